package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ahocorasick "github.com/BobuSumisu/aho-corasick"
	"github.com/codefionn/blockproxy/blockproxy-srv/config"
	"github.com/codefionn/blockproxy/blockproxy-srv/logger"
	"github.com/fsnotify/fsnotify"
)

// Blocklist is a set of denied hostnames.
type Blocklist interface {
	Contains(host string) (bool, error)
}

// NewBlocklist creates the blocklist source selected by cfg.
func NewBlocklist(cfg *config.Config) (Blocklist, error) {
	switch cfg.BlocklistReload {
	case config.BlocklistReloadWatch:
		return NewWatchedBlocklist(cfg.BlocklistFile, cfg.BlocklistMatch)
	default:
		return NewFileBlocklist(cfg.BlocklistFile, cfg.BlocklistMatch), nil
	}
}

// hostMatches compares host with one blocklist entry.
func hostMatches(host, entry string, mode config.BlocklistMatch) bool {
	if host == entry {
		return true
	}
	return mode == config.BlocklistMatchSubdomain &&
		len(host) > len(entry) &&
		strings.HasSuffix(host, entry) &&
		host[len(host)-len(entry)-1] == '.'
}

// scanEntries calls fn for every entry in r until fn returns true.
// Trailing CR and LF are removed; blank lines and # comments are skipped.
func scanEntries(r io.Reader, fn func(entry string) bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		entry := strings.TrimRight(scanner.Text(), "\r\n")
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		if fn(entry) {
			return nil
		}
	}
	return scanner.Err()
}

// FileBlocklist rereads its file on every lookup, so edits apply to the next
// connection. A missing file is an empty blocklist.
type FileBlocklist struct {
	Path string
	Mode config.BlocklistMatch
}

// NewFileBlocklist creates a FileBlocklist for path.
func NewFileBlocklist(path string, mode config.BlocklistMatch) *FileBlocklist {
	return &FileBlocklist{Path: path, Mode: mode}
}

func (b *FileBlocklist) Contains(host string) (bool, error) {
	file, err := os.Open(b.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, newCodedError(ErrCodeBlocklistReadFailed, err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing blocklist file: %v", closeErr)
		}
	}()

	found := false
	err = scanEntries(file, func(entry string) bool {
		found = hostMatches(host, entry, b.Mode)
		return found
	})
	if err != nil {
		return false, newCodedError(ErrCodeBlocklistReadFailed, err)
	}
	return found, nil
}

// domainMatcher answers lookups against an in-memory entry list.
type domainMatcher struct {
	mode    config.BlocklistMatch
	exact   map[string]struct{}
	trie    *ahocorasick.Trie
	domains []string
}

func newDomainMatcher(domains []string, mode config.BlocklistMatch) *domainMatcher {
	m := &domainMatcher{mode: mode, domains: domains}
	if mode == config.BlocklistMatchSubdomain {
		if len(domains) > 0 {
			m.trie = ahocorasick.NewTrieBuilder().AddStrings(domains).Build()
		}
		return m
	}
	m.exact = make(map[string]struct{}, len(domains))
	for _, d := range domains {
		m.exact[d] = struct{}{}
	}
	return m
}

func (m *domainMatcher) match(host string) bool {
	if m.mode != config.BlocklistMatchSubdomain {
		_, ok := m.exact[host]
		return ok
	}
	if m.trie == nil {
		return false
	}
	for _, match := range m.trie.MatchString(host) {
		if hostMatches(host, m.domains[match.Pattern()], m.mode) {
			return true
		}
	}
	return false
}

func loadDomains(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing blocklist file: %v", closeErr)
		}
	}()

	var domains []string
	err = scanEntries(file, func(entry string) bool {
		domains = append(domains, entry)
		return false
	})
	return domains, err
}

// WatchedBlocklist keeps the blocklist in memory and reloads it when the file
// changes on disk or Reload is called.
type WatchedBlocklist struct {
	path string
	mode config.BlocklistMatch

	mu      sync.RWMutex
	matcher *domainMatcher

	watcher   *fsnotify.Watcher
	closeCh   chan struct{}
	closeOnce sync.Once
	doneCh    chan struct{}
}

// NewWatchedBlocklist loads path and starts watching its directory. If the
// directory cannot be watched the list still works and can be reloaded
// manually.
func NewWatchedBlocklist(path string, mode config.BlocklistMatch) (*WatchedBlocklist, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, newCodedError(ErrCodeBlocklistInitFailed, fmt.Errorf("invalid blocklist path: %w", err))
	}

	b := &WatchedBlocklist{
		path:    absPath,
		mode:    mode,
		matcher: newDomainMatcher(nil, mode),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := b.Reload(); err != nil {
		logger.Warn("Failed to load blocklist %s, allowing all hosts: %v", absPath, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, newCodedError(ErrCodeBlocklistInitFailed, err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		logger.Warn("Cannot watch blocklist directory %s, changes require SIGHUP: %v", filepath.Dir(absPath), err)
		_ = watcher.Close()
		close(b.doneCh)
		return b, nil
	}
	b.watcher = watcher

	go b.run()
	return b, nil
}

// Reload rereads the file. On a read error the previous entries are kept.
func (b *WatchedBlocklist) Reload() error {
	domains, err := loadDomains(b.path)
	if err != nil {
		return newCodedError(ErrCodeBlocklistReadFailed, err)
	}
	m := newDomainMatcher(domains, b.mode)

	b.mu.Lock()
	b.matcher = m
	b.mu.Unlock()

	logger.Info("Loaded %d blocklist entries from %s", len(domains), b.path)
	return nil
}

func (b *WatchedBlocklist) Contains(host string) (bool, error) {
	b.mu.RLock()
	m := b.matcher
	b.mu.RUnlock()
	return m.match(host), nil
}

// Len returns the number of loaded entries.
func (b *WatchedBlocklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.matcher.domains)
}

// Close stops watching the file.
func (b *WatchedBlocklist) Close() error {
	b.closeOnce.Do(func() {
		close(b.closeCh)
	})
	<-b.doneCh
	return nil
}

func (b *WatchedBlocklist) run() {
	defer close(b.doneCh)
	defer func() {
		if err := b.watcher.Close(); err != nil {
			logger.Error("Error closing blocklist watcher: %v", err)
		}
	}()

	for {
		select {
		case <-b.closeCh:
			return

		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != b.path {
				continue
			}
			logger.Debug("Blocklist watcher event: %s", event)
			b.consumeExtraEvents()
			if err := b.Reload(); err != nil {
				logger.Warn("Failed to reload blocklist %s: %v", b.path, err)
			}

		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("Blocklist watcher error: %v", err)
		}
	}
}

func (b *WatchedBlocklist) consumeExtraEvents() {
	for {
		select {
		case <-b.watcher.Events:
		default:
			return
		}
	}
}
