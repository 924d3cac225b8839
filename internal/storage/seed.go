package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/lehigh-university-libraries/readerstudy/internal/models"
)

// ImportParticipants reads a JSON array of participants and stores the ones
// the store does not know yet. Existing participants keep their progress.
func ImportParticipants(ctx context.Context, store Store, r io.Reader) (int, error) {
	var participants []models.Participant
	if err := json.NewDecoder(r).Decode(&participants); err != nil {
		return 0, fmt.Errorf("decode participants: %w", err)
	}

	imported := 0
	for _, p := range participants {
		if p.UserID == "" {
			slog.Warn("Skipping participant without userID")
			continue
		}
		_, err := store.GetParticipant(ctx, p.UserID)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, ErrNotFound):
			return imported, fmt.Errorf("check participant %s: %w", p.UserID, err)
		}
		if p.CurrentPhase == "" {
			p.CurrentPhase = models.Phase1
		}
		if err := store.PutParticipant(ctx, p); err != nil {
			return imported, fmt.Errorf("store participant %s: %w", p.UserID, err)
		}
		imported++
	}
	return imported, nil
}

// ImportParticipantsFile is ImportParticipants over a file path.
func ImportParticipantsFile(ctx context.Context, store Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n, err := ImportParticipants(ctx, store, f)
	if err == nil {
		slog.Info("Imported participants", "path", path, "count", n)
	}
	return n, err
}
