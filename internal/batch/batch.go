// Package batch loads work items from disk and exports their final state.
package batch

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/google/uuid"
)

const filePermissions = 0o600

var (
	// ErrNoItems is returned when a batch file contains no usable text.
	ErrNoItems = errors.New("batch contains no items")
	// ErrUnsupportedFormat is returned for JSON that is neither a list of
	// strings nor a list of item objects.
	ErrUnsupportedFormat = errors.New("unsupported batch format")
)

// LoadOptions controls how a batch file becomes work items.
type LoadOptions struct {
	// VoiceID is assigned to items that do not name a voice.
	VoiceID string
	// Normalize cleans each text with a Normalizer before it is queued.
	Normalize bool
	// KeepStatus preserves Done and Error states found in JSON exports so
	// a previous results file can be resumed.
	KeepStatus bool
}

// itemRecord is the on-disk shape of an item, shared by input batches and
// the results export.
type itemRecord struct {
	ID            string      `json:"id,omitempty"`
	Index         int         `json:"index"`
	Text          string      `json:"text"`
	VoiceID       string      `json:"voiceId,omitempty"`
	VoiceName     string      `json:"voiceName,omitempty"`
	Status        core.Status `json:"status,omitempty"`
	OutputPath    string      `json:"outputPath,omitempty"`
	AudioDuration float64     `json:"audioDuration,omitempty"`
	ModelUsed     string      `json:"modelUsed,omitempty"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	RetryCount    int         `json:"retryCount,omitempty"`
}

// Load reads a batch from path. Files ending in .json hold either an array of
// strings or an array of item objects; any other file is read as one item per
// non-blank line. Items are indexed in file order.
func Load(path string, opts LoadOptions) ([]*core.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch %s: %w", path, err)
	}

	var records []itemRecord

	if strings.EqualFold(filepath.Ext(path), ".json") {
		records, err = parseJSONBatch(data)
	} else {
		records, err = parseLines(data)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse batch %s: %w", path, err)
	}

	items := buildItems(records, opts)
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoItems, path)
	}

	return items, nil
}

func parseJSONBatch(data []byte) ([]itemRecord, error) {
	var texts []string

	err := json.Unmarshal(data, &texts)
	if err == nil {
		records := make([]itemRecord, 0, len(texts))
		for _, text := range texts {
			records = append(records, itemRecord{Text: text})
		}

		return records, nil
	}

	var records []itemRecord

	err = json.Unmarshal(data, &records)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}

	return records, nil
}

func parseLines(data []byte) ([]itemRecord, error) {
	var records []itemRecord

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), len(data)+1)

	for scanner.Scan() {
		records = append(records, itemRecord{Text: scanner.Text()})
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to scan lines: %w", err)
	}

	return records, nil
}

func buildItems(records []itemRecord, opts LoadOptions) []*core.WorkItem {
	var normalizer *Normalizer
	if opts.Normalize {
		normalizer = NewNormalizer()
	}

	items := make([]*core.WorkItem, 0, len(records))

	for _, record := range records {
		text := strings.TrimSpace(record.Text)
		if normalizer != nil {
			text = normalizer.Normalize(text)
		}

		if text == "" {
			continue
		}

		item := &core.WorkItem{
			ID:        record.ID,
			Index:     len(items),
			Text:      text,
			VoiceID:   record.VoiceID,
			VoiceName: record.VoiceName,
			Status:    core.StatusPending,
		}

		if item.ID == "" {
			item.ID = uuid.NewString()
		}

		if item.VoiceID == "" {
			item.VoiceID = opts.VoiceID
		}

		if opts.KeepStatus {
			restoreState(item, record)
		}

		items = append(items, item)
	}

	return items
}

// restoreState carries over terminal states from a results export. An item
// caught in Processing by an interrupted run goes back to Pending.
func restoreState(item *core.WorkItem, record itemRecord) {
	switch record.Status {
	case core.StatusDone:
		item.Status = core.StatusDone
		item.OutputPath = record.OutputPath
		item.AudioDuration = record.AudioDuration
		item.ModelUsed = record.ModelUsed
	case core.StatusError:
		item.Status = core.StatusError
		item.ErrorMessage = record.ErrorMessage
	case core.StatusPending, core.StatusProcessing:
	}

	item.RetryCount = record.RetryCount
}

// SaveResults writes every item's final state as indented JSON.
func SaveResults(path string, items []*core.WorkItem) error {
	records := make([]itemRecord, 0, len(items))

	for _, item := range items {
		records = append(records, itemRecord{
			ID:            item.ID,
			Index:         item.Index,
			Text:          item.Text,
			VoiceID:       item.VoiceID,
			VoiceName:     item.VoiceName,
			Status:        item.Status,
			OutputPath:    item.OutputPath,
			AudioDuration: item.AudioDuration,
			ModelUsed:     item.ModelUsed,
			ErrorMessage:  item.ErrorMessage,
			RetryCount:    item.RetryCount,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	err = os.WriteFile(path, data, filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write results %s: %w", path, err)
	}

	return nil
}

// Summary counts items by status.
type Summary struct {
	Done     int
	Failed   int
	Pending  int
	Duration float64
}

// Summarize tallies the items of a finished run.
func Summarize(items []*core.WorkItem) Summary {
	var summary Summary

	for _, item := range items {
		switch item.Status {
		case core.StatusDone:
			summary.Done++
			summary.Duration += item.AudioDuration
		case core.StatusError:
			summary.Failed++
		case core.StatusPending, core.StatusProcessing:
			summary.Pending++
		}
	}

	return summary
}
