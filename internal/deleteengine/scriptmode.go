// Copyright (c) 2025, the ptctl authors.
// SPDX-License-Identifier: GPL-2.0-or-later

package deleteengine

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ptctl/fleet/internal/domain"
)

// maxScriptLength is the hard cap on script-mode rule source.
const maxScriptLength = 10_000

// scriptEnv is the restricted field/operator environment exposed to compiled
// expressions — a flat struct, not the full EvalContext, so user scripts can only
// read torrent metrics, never reach loops or I/O.
type scriptEnv struct {
	Progress   float64
	Ratio      float64
	TrueRatio  float64
	Ratio3     float64
	SeedingTime int64
	Uploaded   int64
	Downloaded int64
	UpSpeed    int64
	DownSpeed  int64
	Size       int64
	Peers      int
	Seeds      int
	FreeSpace  int64
	GlobalDownloading int
	GlobalSeeding     int
	Name       string
	Tracker    string
	Tags       string
	Category   string
	State      string
	SavePath   string
}

func toScriptEnv(ctx domain.EvalContext) scriptEnv {
	t := ctx.Torrent
	denom := t.Downloaded
	if denom < t.Size {
		denom = t.Size
	}
	var trueRatio, ratio3 float64
	if denom > 0 {
		trueRatio = float64(t.Uploaded) / float64(denom)
	}
	if t.Size > 0 {
		ratio3 = float64(t.Uploaded) / float64(t.Size)
	}
	return scriptEnv{
		Progress:    t.Progress * 100,
		Ratio:       t.Ratio,
		TrueRatio:   trueRatio,
		Ratio3:      ratio3,
		SeedingTime: t.SeedingTimeSecs,
		Uploaded:    t.Uploaded,
		Downloaded:  t.Downloaded,
		UpSpeed:     t.UpSpeed,
		DownSpeed:   t.DlSpeed,
		Size:        t.Size,
		Peers:       t.Leechers,
		Seeds:       t.Seeders,
		FreeSpace:   ctx.FreeSpaceBytes,
		GlobalDownloading: ctx.GlobalDownloading,
		GlobalSeeding:     ctx.GlobalSeeding,
		Name:        t.Name,
		Tracker:     t.TrackerURL,
		Tags:        joinCSV(t.Tags),
		Category:    t.Category,
		State:       string(t.Status),
		SavePath:    t.SavePath,
	}
}

func joinCSV(tags []string) string {
	out := ""
	for i, t := range tags {
		if i > 0 {
			out += ","
		}
		out += t
	}
	return out
}

var (
	programCacheMu sync.Mutex
	programCache   = map[string]*vm.Program{}
)

// EvaluateScript compiles (with caching) and runs a script-mode rule's expression
// against ctx. Any failure — too long, compile error, non-bool result, or a runtime
// panic recovered here — evaluates to false, matching the "missing interpreter ⇒
// evaluate to false" fail-closed policy.
func EvaluateScript(script string, ctx domain.EvalContext) (matched bool) {
	if len(script) == 0 || len(script) > maxScriptLength {
		return false
	}

	defer func() {
		if recover() != nil {
			matched = false
		}
	}()

	program, err := compileScript(script)
	if err != nil {
		return false
	}

	out, err := expr.Run(program, toScriptEnv(ctx))
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}

func compileScript(script string) (*vm.Program, error) {
	programCacheMu.Lock()
	defer programCacheMu.Unlock()
	if p, ok := programCache[script]; ok {
		return p, nil
	}
	p, err := expr.Compile(script, expr.Env(scriptEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile script rule: %w", err)
	}
	programCache[script] = p
	return p, nil
}
