package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	serrors "github.com/p-blackswan/streamhib/internal/errors"
)

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil && stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), err
}

// SystemdConfig configures the systemd backend.
type SystemdConfig struct {
	UnitDir      string // directory for generated unit files
	SystemctlBin string
	JournalBin   string
	FFmpegPath   string
	LogDir       string
	StopTimeout  time.Duration
	QueryTimeout time.Duration
}

// Systemd manages stream units as systemd user services.
type Systemd struct {
	cfg    SystemdConfig
	runner CommandRunner
	logger zerolog.Logger
}

// NewSystemd creates a systemd backend. A nil runner uses os/exec.
func NewSystemd(cfg SystemdConfig, runner CommandRunner, logger zerolog.Logger) (*Systemd, error) {
	if cfg.UnitDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving unit dir: %w", err)
		}
		cfg.UnitDir = filepath.Join(home, ".config", "systemd", "user")
	}
	if cfg.SystemctlBin == "" {
		cfg.SystemctlBin = "systemctl"
	}
	if cfg.JournalBin == "" {
		cfg.JournalBin = "journalctl"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 15 * time.Second
	}
	if cfg.QueryTimeout == 0 {
		cfg.QueryTimeout = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.UnitDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating unit dir: %w", err)
	}
	if runner == nil {
		runner = execRunner{}
	}
	return &Systemd{
		cfg:    cfg,
		runner: runner,
		logger: logger.With().Str("component", "supervisor").Str("backend", "systemd").Logger(),
	}, nil
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Streaming service for {{.Description}}
After=network.target

[Service]
ExecStart={{.ExecStart}}
{{- if .RestartAlways}}
Restart=always
RestartSec={{.RestartSec}}
{{- else}}
Restart=no
{{- end}}
StartLimitInterval=0
StartLimitBurst=0
Type=simple
TimeoutStartSec=60
TimeoutStopSec=30
KillMode=mixed
KillSignal=SIGTERM
LimitNOFILE=65536
LimitNPROC=32768
Environment=FFREPORT=file={{.LogDir}}/ffmpeg-{{.ID}}-%%t.log:level=32

[Install]
WantedBy=default.target
`))

// quoteArg quotes one ExecStart argument for systemd.
func quoteArg(arg string) string {
	arg = strings.ReplaceAll(arg, "%", "%%")
	if arg != "" && !strings.ContainsAny(arg, " \t\"'\\;$") {
		return arg
	}
	arg = strings.ReplaceAll(arg, `\`, `\\`)
	arg = strings.ReplaceAll(arg, `"`, `\"`)
	return `"` + arg + `"`
}

// RenderUnit returns the unit file content for id and spec.
func (s *Systemd) RenderUnit(id string, spec ExecSpec) (string, error) {
	parts := []string{quoteArg(s.cfg.FFmpegPath)}
	for _, a := range spec.Args() {
		parts = append(parts, quoteArg(a))
	}
	restartSec := int(spec.Restart.Delay / time.Second)
	if restartSec <= 0 {
		restartSec = 10
	}
	description := strings.NewReplacer("\n", " ", "%", "%%").Replace(spec.Description)
	if description == "" {
		description = id
	}

	var buf bytes.Buffer
	err := unitTemplate.Execute(&buf, map[string]any{
		"Description":   description,
		"ExecStart":     strings.Join(parts, " "),
		"RestartAlways": spec.Restart.Always,
		"RestartSec":    restartSec,
		"LogDir":        strings.ReplaceAll(s.cfg.LogDir, "%", "%%"),
		"ID":            id,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (s *Systemd) unitPath(ref UnitRef) string {
	return filepath.Join(s.cfg.UnitDir, ref.Name+".service")
}

func (s *Systemd) systemctl(ctx context.Context, timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.runner.Run(ctx, s.cfg.SystemctlBin, append([]string{"--user"}, args...)...)
}

// CreateUnit writes the unit file and reloads the user daemon.
func (s *Systemd) CreateUnit(ctx context.Context, id string, spec ExecSpec) (UnitRef, error) {
	ref := Ref(id)
	content, err := s.RenderUnit(id, spec)
	if err != nil {
		return ref, serrors.NewSupervisorError("create", ref.Name, err)
	}
	if err := os.WriteFile(s.unitPath(ref), []byte(content), 0o644); err != nil {
		return ref, serrors.NewSupervisorError("create", ref.Name, err)
	}
	if _, err := s.systemctl(ctx, s.cfg.QueryTimeout, "daemon-reload"); err != nil {
		return ref, serrors.NewSupervisorError("create", ref.Name, fmt.Errorf("daemon-reload: %w", err))
	}
	s.logger.Info().Str("unit", ref.Name).Msg("Unit file created")
	return ref, nil
}

// StartUnit starts the unit.
func (s *Systemd) StartUnit(ctx context.Context, ref UnitRef) error {
	if _, err := s.systemctl(ctx, s.cfg.StopTimeout, "start", ref.Name+".service"); err != nil {
		return serrors.NewSupervisorError("start", ref.Name, err)
	}
	s.logger.Info().Str("unit", ref.Name).Msg("Unit started")
	return nil
}

// StopUnit stops the unit gracefully, falling back to SIGKILL.
func (s *Systemd) StopUnit(ctx context.Context, ref UnitRef) error {
	_, err := s.systemctl(ctx, s.cfg.StopTimeout, "stop", ref.Name+".service")
	if err == nil {
		s.logger.Info().Str("unit", ref.Name).Msg("Unit stopped gracefully")
		return nil
	}
	s.logger.Warn().Err(err).Str("unit", ref.Name).Msg("Graceful stop failed, sending SIGKILL")

	if _, killErr := s.systemctl(ctx, s.cfg.QueryTimeout, "kill", "--signal=SIGKILL", ref.Name+".service"); killErr != nil {
		return serrors.NewSupervisorError("stop", ref.Name, errors.Join(err, killErr))
	}
	s.logger.Info().Str("unit", ref.Name).Msg("Unit force stopped")
	return nil
}

// RemoveUnit deletes the unit file and reloads the daemon. A missing unit
// file is not an error.
func (s *Systemd) RemoveUnit(ctx context.Context, ref UnitRef) error {
	err := os.Remove(s.unitPath(ref))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return serrors.NewSupervisorError("remove", ref.Name, err)
	}
	if _, err := s.systemctl(ctx, s.cfg.QueryTimeout, "daemon-reload"); err != nil {
		return serrors.NewSupervisorError("remove", ref.Name, fmt.Errorf("daemon-reload: %w", err))
	}
	_, _ = s.systemctl(ctx, s.cfg.QueryTimeout, "reset-failed", ref.Name+".service")
	s.logger.Info().Str("unit", ref.Name).Msg("Unit file removed")
	return nil
}

// ListRunningUnits lists running stream-* services.
func (s *Systemd) ListRunningUnits(ctx context.Context) ([]UnitRef, error) {
	out, err := s.systemctl(ctx, s.cfg.QueryTimeout,
		"list-units", "--type=service", "--state=running", "--no-legend", "--plain", "--no-pager", UnitPrefix+"*")
	if err != nil {
		return nil, serrors.NewSupervisorError("list", "", err)
	}
	return parseUnitList(out), nil
}

func parseUnitList(out string) []UnitRef {
	var refs []UnitRef
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimLeft(fields[0], "●* ")
		if ref, ok := RefFromName(name); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// QueryLiveness runs systemctl is-active. A non-zero exit with a status on
// stdout means "not live", not a query failure.
func (s *Systemd) QueryLiveness(ctx context.Context, ref UnitRef) (Liveness, error) {
	out, err := s.systemctl(ctx, s.cfg.QueryTimeout, "is-active", ref.Name+".service")
	status := strings.TrimSpace(out)
	if status == "" && err != nil {
		return Liveness{}, serrors.NewSupervisorError("liveness", ref.Name, err)
	}
	return Liveness{Live: status == "active", Raw: status}, nil
}

// UnitLogs returns the last lines of the unit's journal.
func (s *Systemd) UnitLogs(ctx context.Context, ref UnitRef, lines int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()
	out, err := s.runner.Run(ctx, s.cfg.JournalBin, "--user", "-u", ref.Name+".service", "-n", fmt.Sprint(lines), "--no-pager")
	if err != nil {
		return "", serrors.NewSupervisorError("logs", ref.Name, err)
	}
	return out, nil
}
