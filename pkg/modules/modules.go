// Package modules holds host-native implementations of the reference
// capabilities. Each one is an adapters.Capability that reads and writes
// JSON documents, the same contract a sandboxed module honours over stdin
// and stdout.
package modules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/uma-runtime/uma/pkg/adapters"
)

// Reason codes reported through adapters.Response.Status.
const (
	ReasonPersistFailed = "PERSIST_FAILED"
)

// ImageInput is the image.tagger request.
type ImageInput struct {
	ID    string `json:"id"`
	Bytes []byte `json:"-"`
}

// UnmarshalJSON accepts bytes as an array of numbers rather than base64.
func (in *ImageInput) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID    string `json:"id"`
		Bytes []int  `json:"bytes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	in.ID = raw.ID
	in.Bytes = make([]byte, len(raw.Bytes))
	for i, b := range raw.Bytes {
		if b < 0 || b > 255 {
			return fmt.Errorf("bytes[%d]: %d out of range", i, b)
		}
		in.Bytes[i] = byte(b)
	}
	return nil
}

// ImageAnalyzed is the image.analyzed payload.
type ImageAnalyzed struct {
	ID   string   `json:"id"`
	Tags []string `json:"tags"`
}

// Analyze tags an image by the parity of its byte sum.
func Analyze(in ImageInput) ImageAnalyzed {
	var sum uint64
	for _, b := range in.Bytes {
		sum += uint64(b)
	}
	parity := "odd"
	if sum%2 == 0 {
		parity = "even"
	}
	return ImageAnalyzed{ID: in.ID, Tags: []string{parity, "low-entropy"}}
}

// ImageTagger is the native image.tagger implementation.
func ImageTagger() adapters.Capability {
	return adapters.CapabilityFunc(func(_ context.Context, req adapters.Request) (adapters.Response, error) {
		var in ImageInput
		if err := json.Unmarshal(req.Input, &in); err != nil {
			return adapters.Response{}, fmt.Errorf("modules: image.tagger: decode input: %w", err)
		}
		out, err := json.Marshal(Analyze(in))
		if err != nil {
			return adapters.Response{}, fmt.Errorf("modules: image.tagger: %w", err)
		}
		return adapters.Response{Output: out}, nil
	})
}

// CacheStatus is the edge.cache result.
type CacheStatus struct {
	Source string `json:"source"`
	Event  string `json:"event"`
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// EdgeCache persists each analyzed image as cache-<id>.json under Dir. A
// write failure is reported as a degraded result, not an error.
type EdgeCache struct {
	Dir   string
	Event string
}

// Path returns the file an image id is persisted to.
func (c *EdgeCache) Path(id string) string {
	return filepath.Join(c.Dir, "cache-"+filepath.Base(id)+".json")
}

func (c *EdgeCache) Invoke(_ context.Context, req adapters.Request) (adapters.Response, error) {
	var evt ImageAnalyzed
	if err := json.Unmarshal(req.Input, &evt); err != nil {
		return adapters.Response{}, fmt.Errorf("modules: edge.cache: decode input: %w", err)
	}
	if evt.ID == "" {
		return adapters.Response{}, fmt.Errorf("modules: edge.cache: input has no id")
	}

	event := c.Event
	if event == "" {
		event = "image.analyzed"
	}
	st := CacheStatus{Source: "edge.cache", Event: event, Status: "passed"}
	var status string
	if err := c.persist(evt); err != nil {
		st.Status = "failed"
		st.Reason = err.Error()
		status = ReasonPersistFailed
	}

	out, err := json.Marshal(st)
	if err != nil {
		return adapters.Response{}, fmt.Errorf("modules: edge.cache: %w", err)
	}
	return adapters.Response{Output: out, Status: status}, nil
}

func (c *EdgeCache) persist(evt ImageAnalyzed) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return err
		}
	}
	return os.WriteFile(c.Path(evt.ID), data, 0o600)
}
