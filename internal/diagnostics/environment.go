package diagnostics

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	relaytls "github.com/shineum/mail-relay/internal/tls"
)

// Environment describes the host the relay runs on.
type Environment interface {
	ServerName() (string, error)
	OS() string
	Runtime() string
	TLSLibrary() string
	Dependencies() string
	Plugins() string
	PipelineHandlers(stage string) []string
	RelayVersion() string
}

// Pipeline lists the handlers registered for a delivery stage.
type Pipeline interface {
	HandlerNames(stage string) []string
}

// trackedModules are the libraries reported in the Dependencies row.
var trackedModules = []struct {
	path, name string
}{
	{"github.com/go-resty/resty/v2", "resty"},
	{"github.com/aws/aws-sdk-go-v2/service/sesv2", "sesv2"},
	{"golang.org/x/oauth2", "oauth2"},
	{"gopkg.in/mail.v2", "mail"},
	{"github.com/redis/go-redis/v9", "go-redis"},
	{"github.com/go-chi/chi/v5", "chi"},
	{"github.com/prometheus/client_golang", "prometheus"},
}

// HostEnvironment reads the environment from the running process.
type HostEnvironment struct {
	Version  string
	Pipeline Pipeline
	// Integrations names the optional integrations in use.
	Integrations []string

	buildInfo func() (*debug.BuildInfo, bool)
}

func NewHostEnvironment(version string, pipeline Pipeline, integrations ...string) *HostEnvironment {
	return &HostEnvironment{
		Version:      version,
		Pipeline:     pipeline,
		Integrations: integrations,
		buildInfo:    debug.ReadBuildInfo,
	}
}

func (h *HostEnvironment) ServerName() (string, error) {
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to read hostname: %w", err)
	}
	return name, nil
}

func (h *HostEnvironment) OS() string {
	return runtime.GOOS + " " + runtime.GOARCH
}

func (h *HostEnvironment) Runtime() string {
	return fmt.Sprintf("%s (GOMAXPROCS=%d)", runtime.Version(), runtime.GOMAXPROCS(0))
}

func (h *HostEnvironment) TLSLibrary() string {
	return relaytls.Description()
}

// Dependencies renders name=version for every tracked module linked into
// the binary.
func (h *HostEnvironment) Dependencies() string {
	read := h.buildInfo
	if read == nil {
		read = debug.ReadBuildInfo
	}
	info, ok := read()
	if !ok {
		return ""
	}

	versions := make(map[string]string, len(info.Deps))
	for _, dep := range info.Deps {
		v := dep.Version
		if dep.Replace != nil {
			v = dep.Replace.Version
		}
		versions[dep.Path] = v
	}

	var parts []string
	for _, m := range trackedModules {
		if v, ok := versions[m.path]; ok {
			parts = append(parts, m.name+"="+v)
		}
	}
	return strings.Join(parts, ", ")
}

func (h *HostEnvironment) Plugins() string {
	return strings.Join(h.Integrations, ", ")
}

func (h *HostEnvironment) PipelineHandlers(stage string) []string {
	if h.Pipeline == nil {
		return nil
	}
	return h.Pipeline.HandlerNames(stage)
}

func (h *HostEnvironment) RelayVersion() string {
	return h.Version
}
