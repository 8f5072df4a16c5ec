package ingest

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Progress tracks the resume position: the time_us of the last event that
// was durably handed off to the buffer. It is persisted to a small JSON
// cursor file so a restarted ingester resumes without gaps.
type Progress struct {
	mu sync.Mutex

	LastTimeUS  int64     `json:"last_time_us"`
	LastEventAt time.Time `json:"last_event_at"`
}

func (p *Progress) Update(timeUS int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeUS > p.LastTimeUS {
		p.LastTimeUS = timeUS
		p.LastEventAt = time.Now()
	}
}

func (p *Progress) Get() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.LastTimeUS
}

// WriteFile persists the cursor via a temp file and rename, so a crash
// mid-write can never leave a truncated cursor behind.
func (p *Progress) WriteFile(path string) error {
	p.mu.Lock()
	data, err := json.Marshal(p)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to marshal cursor file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write cursor file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace cursor file: %w", err)
	}
	return nil
}

func (p *Progress) ReadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cursor file: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("failed to unmarshal cursor file: %w", err)
	}
	return nil
}

// LoadProgress reads the cursor file, creating it when missing so the first
// run starts from live tail with a writable cursor in place.
func LoadProgress(path string) (*Progress, error) {
	p := &Progress{}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := p.WriteFile(path); err != nil {
			return nil, err
		}
		return p, nil
	}

	if err := p.ReadFile(path); err != nil {
		return nil, err
	}
	return p, nil
}
