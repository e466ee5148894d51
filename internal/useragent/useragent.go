// Package useragent loads the candidate User-Agent strings named in
// spec.md §6 ("a newline-delimited agents_list.txt supplies candidate
// User-Agent strings; one is picked uniformly at random per request").
package useragent

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"
)

// List is a loaded, immutable set of candidate User-Agent strings.
type List struct {
	mu     sync.Mutex
	rng    *rand.Rand
	agents []string
}

// fallback is used if the resource file cannot be read or is empty, so a
// fetch worker never has to special-case a missing User-Agent.
const fallback = "Mozilla/5.0 (compatible; spider/1.0)"

// Load reads a newline-delimited agents list from path. Blank lines and
// lines starting with "#" are skipped.
func Load(path string) (*List, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("useragent: open %s: %w", path, err)
	}
	defer f.Close()

	var agents []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		agents = append(agents, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("useragent: scan %s: %w", path, err)
	}
	if len(agents) == 0 {
		agents = []string{fallback}
	}

	return &List{rng: rand.New(rand.NewSource(seed())), agents: agents}, nil
}

// NewFromSlice builds a List directly, mainly for tests.
func NewFromSlice(agents []string) *List {
	if len(agents) == 0 {
		agents = []string{fallback}
	}
	return &List{rng: rand.New(rand.NewSource(seed())), agents: agents}
}

// Pick returns a uniformly random User-Agent from the list.
func (l *List) Pick() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agents[l.rng.Intn(len(l.agents))]
}

// Len reports how many agents were loaded.
func (l *List) Len() int { return len(l.agents) }

func seed() int64 { return time.Now().UnixNano() }
