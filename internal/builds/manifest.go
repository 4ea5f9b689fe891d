// Package builds submits patchsets received on mailing lists to the build
// farm and reports completion back onto the patchset.
package builds

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// submitterKey is the block in a manifest's submitter section controlling
// this integration.
const submitterKey = "hub"

// Manifest is a build manifest held as a generic document so unknown
// fields survive the augment-and-resubmit round trip.
type Manifest struct {
	doc map[string]interface{}
}

// ParseManifest decodes a manifest from its YAML source.
func ParseManifest(source string) (*Manifest, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return nil, fmt.Errorf("builds: parse manifest: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("builds: manifest is empty")
	}
	return &Manifest{doc: doc}, nil
}

// SubmissionEnabled reports whether the manifest allows this integration
// to submit it. Manifests opt out with a submitter block:
//
//	submitter:
//	  hub:
//	    enabled: false
func (m *Manifest) SubmissionEnabled() bool {
	submitter, ok := m.doc["submitter"].(map[string]interface{})
	if !ok {
		return true
	}
	section, ok := submitter[submitterKey].(map[string]interface{})
	if !ok {
		return true
	}
	enabled, ok := section["enabled"].(bool)
	if !ok {
		return true
	}
	return enabled
}

// PrependTask inserts a task ahead of the manifest's existing tasks.
func (m *Manifest) PrependTask(name, script string) {
	task := map[string]interface{}{name: script}
	tasks, _ := m.doc["tasks"].([]interface{})
	m.doc["tasks"] = append([]interface{}{task}, tasks...)
}

// SetDefaultEnv sets an environment variable unless the manifest already
// defines it.
func (m *Manifest) SetDefaultEnv(key string, value interface{}) {
	environment, ok := m.doc["environment"].(map[string]interface{})
	if !ok {
		environment = make(map[string]interface{})
		m.doc["environment"] = environment
	}
	if _, exists := environment[key]; !exists {
		environment[key] = value
	}
}

// AppendWebhookTrigger adds an always-firing webhook trigger pointing at
// the given URL.
func (m *Manifest) AppendWebhookTrigger(url string) {
	triggers, _ := m.doc["triggers"].([]interface{})
	m.doc["triggers"] = append(triggers, map[string]interface{}{
		"action":    "webhook",
		"condition": "always",
		"url":       url,
	})
}

// Encode renders the manifest back to YAML.
func (m *Manifest) Encode() (string, error) {
	encoded, err := yaml.Marshal(m.doc)
	if err != nil {
		return "", fmt.Errorf("builds: encode manifest: %w", err)
	}
	return string(encoded), nil
}
