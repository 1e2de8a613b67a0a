// Package config holds the tunable runtime thresholds for live calls and the
// single validated entry point for applying sparse configuration patches.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed patch_schema.json
var patchSchemaJSON string

// Runtime carries every tunable threshold the orchestrator reads at decision
// points. Values are copied into decisions; in-flight timers keep the
// duration they were armed with.
type Runtime struct {
	BargeIn bool

	SilenceTriggerMS int64
	VADHangoverMS    int64
	MinSpeechMS      int64

	ReminderMS         int64
	ReminderMaxRepeats int
	CooldownMS         int64

	KBAutoRetrieve bool
	KBRerank       bool
	KBMaxChunks    int

	TranscriptColorCoding bool
}

// Defaults returns the baseline runtime configuration.
func Defaults() Runtime {
	return Runtime{
		BargeIn:               true,
		SilenceTriggerMS:      700,
		VADHangoverMS:         200,
		MinSpeechMS:           120,
		ReminderMS:            10_000,
		ReminderMaxRepeats:    2,
		CooldownMS:            5_000,
		KBAutoRetrieve:        true,
		KBRerank:              false,
		KBMaxChunks:           4,
		TranscriptColorCoding: true,
	}
}

// SilenceConfirmMS is the threshold an observed silence duration must reach
// before the agent takes its turn.
func (r Runtime) SilenceConfirmMS() int64 {
	return r.SilenceTriggerMS + r.VADHangoverMS
}

// Patch is the sparse configuration diff. Absent fields leave the current
// value untouched; applying the same patch twice is idempotent.
type Patch struct {
	BargeIn    *bool            `json:"bargeIn,omitempty"`
	TurnTaking *turnTakingPatch `json:"turnTaking,omitempty"`
	Inactivity *inactivityPatch `json:"inactivity,omitempty"`
	KB         *kbPatch         `json:"kb,omitempty"`
	UI         *uiPatch         `json:"ui,omitempty"`
}

type turnTakingPatch struct {
	SilenceDetection *silenceDetectionPatch `json:"silenceDetection,omitempty"`
}

type silenceDetectionPatch struct {
	AppliedValueMS *int64 `json:"appliedValueMs,omitempty"`
	VADHangoverMS  *int64 `json:"vadHangoverMs,omitempty"`
	MinSpeechMS    *int64 `json:"minSpeechMs,omitempty"`
}

type inactivityPatch struct {
	ReminderMS         *int64 `json:"reminderMs,omitempty"`
	ReminderMaxRepeats *int   `json:"reminderMaxRepeats,omitempty"`
	CooldownMS         *int64 `json:"cooldownMs,omitempty"`
}

type kbPatch struct {
	AutoRetrieve *bool `json:"autoRetrieve,omitempty"`
	Rerank       *bool `json:"rerank,omitempty"`
	MaxChunks    *int  `json:"maxChunks,omitempty"`
}

type uiPatch struct {
	Transcript *transcriptPatch `json:"transcript,omitempty"`
}

type transcriptPatch struct {
	ColorCoding *bool `json:"colorCoding,omitempty"`
}

// apply overlays the patch onto base and returns the result.
func (p Patch) apply(base Runtime) Runtime {
	out := base
	if p.BargeIn != nil {
		out.BargeIn = *p.BargeIn
	}
	if p.TurnTaking != nil && p.TurnTaking.SilenceDetection != nil {
		sd := p.TurnTaking.SilenceDetection
		if sd.AppliedValueMS != nil {
			out.SilenceTriggerMS = *sd.AppliedValueMS
		}
		if sd.VADHangoverMS != nil {
			out.VADHangoverMS = *sd.VADHangoverMS
		}
		if sd.MinSpeechMS != nil {
			out.MinSpeechMS = *sd.MinSpeechMS
		}
	}
	if p.Inactivity != nil {
		if p.Inactivity.ReminderMS != nil {
			out.ReminderMS = *p.Inactivity.ReminderMS
		}
		if p.Inactivity.ReminderMaxRepeats != nil {
			out.ReminderMaxRepeats = *p.Inactivity.ReminderMaxRepeats
		}
		if p.Inactivity.CooldownMS != nil {
			out.CooldownMS = *p.Inactivity.CooldownMS
		}
	}
	if p.KB != nil {
		if p.KB.AutoRetrieve != nil {
			out.KBAutoRetrieve = *p.KB.AutoRetrieve
		}
		if p.KB.Rerank != nil {
			out.KBRerank = *p.KB.Rerank
		}
		if p.KB.MaxChunks != nil {
			out.KBMaxChunks = *p.KB.MaxChunks
		}
	}
	if p.UI != nil && p.UI.Transcript != nil && p.UI.Transcript.ColorCoding != nil {
		out.TranscriptColorCoding = *p.UI.Transcript.ColorCoding
	}
	return out
}

// Controller applies validated patches to live thresholds. Safe for
// concurrent use; readers take snapshots at decision points.
type Controller struct {
	mu      sync.Mutex
	current Runtime
	schema  *jsonschema.Schema
}

// NewController starts from the given baseline configuration.
func NewController(base Runtime) (*Controller, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("patch_schema.json", bytes.NewReader([]byte(patchSchemaJSON))); err != nil {
		return nil, fmt.Errorf("add patch schema: %w", err)
	}
	schema, err := compiler.Compile("patch_schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile patch schema: %w", err)
	}
	return &Controller{current: base, schema: schema}, nil
}

// Snapshot returns the current configuration.
func (c *Controller) Snapshot() Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// ApplyJSON validates raw against the patch schema, rejecting unknown fields,
// then applies it and returns the resulting configuration.
func (c *Controller) ApplyJSON(raw []byte) (Runtime, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Runtime{}, fmt.Errorf("decode config patch: %w", err)
	}
	if err := c.schema.Validate(generic); err != nil {
		return Runtime{}, fmt.Errorf("invalid config patch: %w", err)
	}
	var patch Patch
	if err := json.Unmarshal(raw, &patch); err != nil {
		return Runtime{}, fmt.Errorf("decode config patch: %w", err)
	}
	return c.Apply(patch), nil
}

// Apply overlays a decoded patch and returns the resulting configuration.
func (c *Controller) Apply(patch Patch) Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = patch.apply(c.current)
	return c.current
}
