package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/fulmenhq/gofulmen/crucible"
)

// buildInfo is set once from main and read by every /version request.
var buildInfo = struct {
	sync.RWMutex
	version, commit, date string
	model                 string
	identity              *appidentity.Identity
}{version: "dev", commit: "unknown", date: "unknown"}

// SetVersionInfo records the ldflags-injected build metadata.
func SetVersionInfo(version, commit, buildDate string) {
	buildInfo.Lock()
	defer buildInfo.Unlock()
	buildInfo.version, buildInfo.commit, buildInfo.date = version, commit, buildDate
}

func SetAppIdentity(identity *appidentity.Identity) {
	buildInfo.Lock()
	defer buildInfo.Unlock()
	buildInfo.identity = identity
}

// SetServedModel records the model name advertised on /v1/models.
func SetServedModel(model string) {
	buildInfo.Lock()
	defer buildInfo.Unlock()
	buildInfo.model = model
}

type VersionResponse struct {
	App          AppInfo      `json:"app"`
	Upstream     UpstreamInfo `json:"upstream"`
	Dependencies DepInfo      `json:"dependencies"`
	Runtime      RuntimeInfo  `json:"runtime"`
}

type AppInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Commit    string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version,omitempty"`
}

type UpstreamInfo struct {
	Model string `json:"model,omitempty"`
}

type DepInfo struct {
	Gofulmen string `json:"gofulmen"`
	Crucible string `json:"crucible"`
}

type RuntimeInfo struct {
	Platform      string `json:"platform"`
	NumCPU        int    `json:"num_cpu"`
	NumGoroutines int    `json:"num_goroutines"`
}

// binaryName prefers the app identity and falls back to argv[0].
func binaryName(identity *appidentity.Identity) string {
	if identity != nil && identity.BinaryName != "" {
		return identity.BinaryName
	}
	if len(os.Args) > 0 && os.Args[0] != "" {
		return filepath.Base(os.Args[0])
	}
	return "unknown"
}

func currentVersion() VersionResponse {
	buildInfo.RLock()
	defer buildInfo.RUnlock()

	deps := crucible.GetVersion()
	return VersionResponse{
		App: AppInfo{
			Name:      binaryName(buildInfo.identity),
			Version:   buildInfo.version,
			Commit:    buildInfo.commit,
			BuildDate: buildInfo.date,
			GoVersion: runtime.Version(),
		},
		Upstream: UpstreamInfo{Model: buildInfo.model},
		Dependencies: DepInfo{
			Gofulmen: deps.Gofulmen,
			Crucible: deps.Crucible,
		},
		Runtime: RuntimeInfo{
			Platform:      runtime.GOOS + "/" + runtime.GOARCH,
			NumCPU:        runtime.NumCPU(),
			NumGoroutines: runtime.NumGoroutine(),
		},
	}
}

// VersionHandler serves build, dependency and runtime metadata.
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, currentVersion())
}
