// Package version хранит сведения о сборке, заданные через -ldflags.
// Без ldflags коммит и дата берутся из VCS-меток, которые go build
// записывает в бинарник.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var vcsOnce sync.Once

func resolve() {
	vcsOnce.Do(func() {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		commit, date = fromBuildSettings(info.Settings, commit, date)
	})
}

func fromBuildSettings(settings []debug.BuildSetting, commit, date string) (string, string) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if commit == "unknown" && s.Value != "" {
				commit = s.Value
				if len(commit) > 12 {
					commit = commit[:12]
				}
			}
		case "vcs.time":
			if date == "unknown" && s.Value != "" {
				date = s.Value
			}
		}
	}
	return commit, date
}

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) {
	resolve()
	return version, commit, date
}

func GetVersion() string { return version }

func String() string {
	v, c, d := Info()
	return fmt.Sprintf("version=%s commit=%s date=%s", v, c, d)
}

// Fields возвращает сведения о сборке для стартового лога.
func Fields() log.Fields {
	v, c, d := Info()
	return log.Fields{"version": v, "commit": c, "build_date": d}
}
