package job

import "path/filepath"

// Paths is an explicit, non-singleton carrier for every directory the
// facility touches. A job.Paths is constructed once by each binary's
// main() and threaded through every constructor from there; no package
// in this tree keeps a file-scope path singleton.
type Paths struct {
	Root string // rootdir
}

func NewPaths(root string) Paths {
	return Paths{Root: root}
}

func (p Paths) BinDir() string  { return filepath.Join(p.Root, "usr", "bin") }
func (p Paths) CfgDir() string  { return filepath.Join(p.Root, "etc", "job") }
func (p Paths) QcfDir() string  { return filepath.Join(p.Root, "etc", "job", "qdefs") }
func (p Paths) JobDir() string  { return filepath.Join(p.Root, "var", "spool", "job") }
func (p Paths) LogDir() string  { return filepath.Join(p.Root, "var", "log", "job") }
func (p Paths) TmpDir() string  { return filepath.Join(p.Root, "tmp", "job") }
func (p Paths) VlbDir() string  { return filepath.Join(p.Root, "var", "lib", "job") }
func (p Paths) CfgFile() string { return filepath.Join(p.CfgDir(), "job.conf") }
func (p Paths) SeqFile() string { return filepath.Join(p.VlbDir(), "job.seq") }

// QueueDir returns the root directory of a single queue.
func (p Paths) QueueDir(queue string) string {
	return filepath.Join(p.JobDir(), queue)
}

// StateDir returns the directory holding job files of the given state
// within a queue. Kill is a directory name only, never a scheduling
// state value — see killDirName.
func (p Paths) StateDir(queue string, state State) string {
	return filepath.Join(p.QueueDir(queue), state.dirName())
}

// KillDir returns the directory where kill markers for a queue live.
func (p Paths) KillDir(queue string) string {
	return filepath.Join(p.QueueDir(queue), killDirName)
}

// QueueConfFile returns the path of a per-queue definition overlay.
func (p Paths) QueueConfFile(queue string) string {
	return filepath.Join(p.QcfDir(), queue+".conf")
}
