package game

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kiliankoe/tabletop/internal/board"
)

// SaveFile is the JSON save blob written for a finished session. GameState
// has the same shape the client loads from a save.
type SaveFile struct {
	SessionID  string          `json:"sessionId"`
	Name       string          `json:"name"`
	GMID       string          `json:"gmId"`
	Players    []Player        `json:"players"`
	GameState  board.GameState `json:"gameState"`
	CreatedAt  time.Time       `json:"createdAt"`
	ExportedAt time.Time       `json:"exportedAt"`
}

// ExportSession writes the session to <dir>/<id>.json and returns the path.
func ExportSession(s Session, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory: %w", err)
	}

	save := SaveFile{
		SessionID:  s.ID,
		Name:       s.Name,
		GMID:       s.GMID,
		Players:    s.Roster(),
		GameState:  s.GameState,
		CreatedAt:  s.CreatedAt,
		ExportedAt: time.Now().UTC(),
	}
	raw, err := json.MarshalIndent(save, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode session: %w", err)
	}

	filename := filepath.Join(dir, s.ID+".json")
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, raw, 0644); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		return "", fmt.Errorf("failed to move file into place: %w", err)
	}
	return filename, nil
}
