package voice

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/discord-voice-copilot/internal/audio"
	"github.com/discord-voice-copilot/internal/config"
	"github.com/discord-voice-copilot/internal/fsio"
)

// Archiver persists accepted captures as WAV files so speech turns can be
// replayed when tuning validation thresholds. Opt-in: the Guard skips
// archiving when no Archiver is attached.
type Archiver struct {
	dir        string
	sampleRate int
	channels   int
	now        func() time.Time
}

func NewArchiver(dir string, cfg config.Audio) *Archiver {
	return &Archiver{
		dir:        dir,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		now:        time.Now,
	}
}

// Save writes one capture under the archive directory and returns the file
// path. File names sort chronologically and carry the capture's correlation
// ID so a log line can be matched to its audio.
func (a *Archiver) Save(userID, correlationID string, pcm []byte) (string, error) {
	name := fmt.Sprintf("%s-%s-%s.wav", a.now().UTC().Format("20060102-150405"), userID, correlationID)
	path := filepath.Join(a.dir, name)
	wav := audio.BuildWAV(pcm, a.sampleRate, a.channels, 16)
	if err := fsio.SaveFileAtomic(path, wav, 0o644); err != nil {
		return "", fmt.Errorf("archive capture %s: %w", correlationID, err)
	}
	return path, nil
}
