package cwl

import "fmt"

// Resources is a resource reservation: requested by a job, granted by the executor.
// Memory and disk quantities are in mebibytes.
type Resources struct {
	Cores     float64 `json:"cores" yaml:"cores"`
	RAMMiB    int64   `json:"ram" yaml:"ram"`
	OutdirMiB int64   `json:"outdirSize" yaml:"outdirSize"`
	TmpdirMiB int64   `json:"tmpdirSize" yaml:"tmpdirSize"`
}

// Default ResourceRequirement values from CWL v1.2.
const (
	DefaultCoresMin  = 1
	DefaultRAMMin    = 256
	DefaultTmpdirMin = 1024
	DefaultOutdirMin = 1024
)

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{
		Cores:     r.Cores + o.Cores,
		RAMMiB:    r.RAMMiB + o.RAMMiB,
		OutdirMiB: r.OutdirMiB + o.OutdirMiB,
		TmpdirMiB: r.TmpdirMiB + o.TmpdirMiB,
	}
}

// Sub returns r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{
		Cores:     r.Cores - o.Cores,
		RAMMiB:    r.RAMMiB - o.RAMMiB,
		OutdirMiB: r.OutdirMiB - o.OutdirMiB,
		TmpdirMiB: r.TmpdirMiB - o.TmpdirMiB,
	}
}

// Fits reports whether r fits within limit on every dimension.
func (r Resources) Fits(limit Resources) bool {
	return r.Cores <= limit.Cores &&
		r.RAMMiB <= limit.RAMMiB &&
		r.OutdirMiB <= limit.OutdirMiB &&
		r.TmpdirMiB <= limit.TmpdirMiB
}

// IsZero reports whether nothing is requested.
func (r Resources) IsZero() bool {
	return r == Resources{}
}

func (r Resources) String() string {
	return fmt.Sprintf("cores=%g ram=%dMiB outdir=%dMiB tmpdir=%dMiB", r.Cores, r.RAMMiB, r.OutdirMiB, r.TmpdirMiB)
}
