package monitor

import (
	"errors"
	"time"

	"github.com/prometheus/procfs"
)

// Reading is a raw observation of a process group.
type Reading struct {
	CPU    time.Duration
	Memory int64
}

type Sampler interface {
	Read(pgid int) (Reading, error)
}

type SamplerFunc func(pgid int) (Reading, error)

func (f SamplerFunc) Read(pgid int) (Reading, error) {
	return f(pgid)
}

var ErrNoProcess = errors.New("no process in group")

// ProcSampler sums CPU time and resident memory over every live process of a
// group. Root is the procfs mount point, /proc when empty.
type ProcSampler struct {
	Root string
}

var _ Sampler = ProcSampler{}

func (p ProcSampler) Read(pgid int) (ret Reading, err error) {
	root := p.Root
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(root)
	if err != nil {
		return
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return
	}
	found := false
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			// exited between listing and reading
			continue
		}
		if stat.PGRP != pgid {
			continue
		}
		found = true
		ret.CPU += time.Duration(stat.CPUTime() * float64(time.Second))
		ret.Memory += int64(stat.ResidentMemory())
	}
	if !found {
		return ret, ErrNoProcess
	}
	return ret, nil
}
