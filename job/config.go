package job

import (
	"os"
	"time"

	"github.com/misfitmountain/jobd/internal/config"
)

// Global carries the [job] and [jobs] sections of job.conf: the
// process-wide defaults every queue inherits unless its own qdefs
// overlay overrides them.
type Global struct {
	Job struct {
		Root             string
		DefaultQueue     string `gcfg:"default-queue"`
		DefaultZone      int    `gcfg:"zone"`
		RunLimit         int    `gcfg:"run-limit"`
		PollSecs         int    `gcfg:"poll-secs"`
		QueueWatchSecs   int    `gcfg:"queue-watch-secs"`
	}
	Jobs struct {
		LogLevel string `gcfg:"log-level"`
	}
}

// QueueDef carries a single queue's qdefs/<queue>.conf overlay: the
// run-limit/poll-secs tuning for that queue plus its job-type command
// templates (gcfg's "variable subsection" support, the same mechanism
// the ambient config loader's VariableConfig generalizes).
type QueueDef struct {
	Queue struct {
		RunLimit int `gcfg:"run-limit"`
		PollSecs int `gcfg:"poll-secs"`
	}
	Type map[string]*TypeDef
}

// TypeDef is one [type "<name>"] section (gcfg subsection syntax): the
// command template launched for jobs submitted with that job type. A
// header written as [type:<name>] is not read as a type section.
type TypeDef struct {
	Command string
}

func defaultGlobal() Global {
	var g Global
	g.Job.RunLimit = 8
	g.Job.PollSecs = 30
	g.Job.QueueWatchSecs = 180
	g.Jobs.LogLevel = "INFO"
	return g
}

// LoadGlobal reads job.conf and applies the default cascade the
// original's config layer used: any field left unset in the file
// falls back to the hardcoded defaults above rather than a zero value.
func LoadGlobal(p Paths) (Global, error) {
	g := defaultGlobal()
	if err := config.LoadConfigFile(&g, p.CfgFile()); err != nil {
		return g, err
	}
	return g, nil
}

// LoadQueueDef reads a queue's qdefs overlay, if present; a missing
// overlay file is not an error, matching LoadConfigOverlays' policy of
// treating an absent directory/file as "nothing to override".
func LoadQueueDef(p Paths, queue string) (QueueDef, error) {
	var qd QueueDef
	qd.Type = make(map[string]*TypeDef)
	path := p.QueueConfFile(queue)
	if err := config.LoadConfigFile(&qd, path); err != nil {
		if os.IsNotExist(err) {
			return qd, nil
		}
		return qd, err
	}
	return qd, nil
}

// PollInterval resolves a queue's effective poll period: per-queue
// override if set, else the global default.
func (g Global) PollInterval(qd QueueDef) time.Duration {
	secs := g.Job.PollSecs
	if qd.Queue.PollSecs > 0 {
		secs = qd.Queue.PollSecs
	}
	return time.Duration(secs) * time.Second
}

func (g Global) RunLimit(qd QueueDef) int {
	if qd.Queue.RunLimit > 0 {
		return qd.Queue.RunLimit
	}
	return g.Job.RunLimit
}
