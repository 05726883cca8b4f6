package voicechat

import (
	"fmt"
	"os"
	"path/filepath"
)

// pcmDump writes the raw audio of one chat to
// <dir>/server_<session>_<chat>.pcm for offline inspection.
type pcmDump struct {
	f *os.File
}

func openDump(dir, sessionID, chatID string) (*pcmDump, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("voicechat: dump dir: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("server_%s_%s.pcm", safeName(sessionID), safeName(chatID)))
	f, err := os.Create(name)
	if err != nil {
		return nil, fmt.Errorf("voicechat: open dump: %w", err)
	}
	return &pcmDump{f: f}, nil
}

func (d *pcmDump) write(b []byte) error {
	_, err := d.f.Write(b)
	return err
}

func (d *pcmDump) close() error { return d.f.Close() }

// safeName keeps client-chosen ids from escaping the dump directory.
func safeName(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
