package ffmpeg

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v3/process"
)

// Handle is a killable running process.
type Handle interface {
	Kill() error
}

// Entry is one live registry record.
type Entry struct {
	Key    string
	Handle Handle
}

// Registry maps stage-scoped keys (v-<videoId>-<stage>) to running processes
// so that a cancel request can find and kill them.
type Registry struct {
	entries sync.Map
	log     hclog.Logger
}

func NewRegistry(log hclog.Logger) *Registry {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Registry{log: log}
}

// Key builds the registry key for one stage of a video.
func Key(videoID, stage string) string {
	return Prefix(videoID) + stage
}

// Prefix is the key prefix shared by every stage of a video. The trailing
// separator keeps "v-1-" from matching "v-10-...".
func Prefix(videoID string) string {
	return "v-" + videoID + "-"
}

// Register stores h under key, replacing any previous entry, and returns a
// release func that removes the entry only if it still holds h.
func (r *Registry) Register(key string, h Handle) (release func()) {
	r.entries.Store(key, h)
	return func() {
		r.entries.CompareAndDelete(key, h)
	}
}

func (r *Registry) Unregister(key string) {
	r.entries.Delete(key)
}

func (r *Registry) Entries() []Entry {
	return r.EntriesWithPrefix("")
}

// EntriesWithPrefix lists entries whose key starts with prefix, sorted by key.
func (r *Registry) EntriesWithPrefix(prefix string) []Entry {
	var out []Entry
	r.entries.Range(func(key, value interface{}) bool {
		k := key.(string)
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Handle: value.(Handle)})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// KillPrefix kills and unregisters every entry under prefix and reports how
// many entries were removed.
func (r *Registry) KillPrefix(prefix string) int {
	entries := r.EntriesWithPrefix(prefix)
	for _, e := range entries {
		if err := e.Handle.Kill(); err != nil {
			r.log.Warn("kill failed", "key", e.Key, "error", err)
		}
		r.entries.Delete(e.Key)
	}
	return len(entries)
}

// processHandle kills an ffmpeg process together with any children it spawned.
// It is registered before the process starts; a kill that arrives first is
// remembered and applied by attach.
type processHandle struct {
	mu     sync.Mutex
	proc   *os.Process
	killed bool
}

// attach binds the started process to h. It reports false when h was killed
// before the process existed, in which case the process is killed right away.
func (h *processHandle) attach(proc *os.Process) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = proc
	if h.killed {
		_ = killTree(proc)
		return false
	}
	return true
}

func (h *processHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	if h.proc == nil {
		return nil
	}
	return killTree(h.proc)
}

func killTree(proc *os.Process) error {
	if p, err := process.NewProcess(int32(proc.Pid)); err == nil {
		if children, err := p.Children(); err == nil {
			for _, c := range children {
				_ = c.Kill()
			}
		}
	}
	return proc.Kill()
}
