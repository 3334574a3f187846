package ledger

import (
	"context"
	"log/slog"

	supabase "github.com/supabase-community/supabase-go"
)

// SupabaseArchiver mirrors the event data of each recorded entry (not its
// timestamp, prev_hash or signature) to a Supabase table as an off-box,
// non-authoritative backup — the local JSONL file remains the
// source of truth a Verifier walks; this is forensic redundancy only, named
// in spec §9's persistence extensions.
type SupabaseArchiver struct {
	client *supabase.Client
	table  string
}

// NewSupabaseArchiver builds an archiver against projectURL/apiKey, mirroring
// into table.
func NewSupabaseArchiver(projectURL, apiKey, table string) (*SupabaseArchiver, error) {
	client, err := supabase.NewClient(projectURL, apiKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, err
	}
	return &SupabaseArchiver{client: client, table: table}, nil
}

// Mirror inserts entry into the archive table. Failures are logged and
// swallowed — losing the off-box mirror must never affect the authoritative
// local ledger write that already succeeded.
func (a *SupabaseArchiver) Mirror(_ context.Context, entry map[string]interface{}) {
	var result []map[string]interface{}
	_, err := a.client.From(a.table).Insert(entry, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		slog.Warn("ledger: supabase mirror failed", "error", err)
	}
}

// ArchivingRecorder decorates a Recorder so every successful Record is also
// mirrored to the configured SupabaseArchiver.
type ArchivingRecorder struct {
	*Recorder
	archiver *SupabaseArchiver
}

// NewArchivingRecorder wraps r with archiver.
func NewArchivingRecorder(r *Recorder, archiver *SupabaseArchiver) *ArchivingRecorder {
	return &ArchivingRecorder{Recorder: r, archiver: archiver}
}

// Record appends via the wrapped Recorder and mirrors to Supabase on success.
func (a *ArchivingRecorder) Record(eventData map[string]interface{}) error {
	if err := a.Recorder.Record(eventData); err != nil {
		return err
	}
	a.archiver.Mirror(context.Background(), eventData)
	return nil
}

// RecordAsync overrides the embedded version for the same virtual-dispatch
// reason StreamingRecorder does.
func (a *ArchivingRecorder) RecordAsync(eventData map[string]interface{}) {
	go func() {
		if err := a.Record(eventData); err != nil {
			slog.Error("ledger: async record failed", "error", err)
		}
	}()
}
