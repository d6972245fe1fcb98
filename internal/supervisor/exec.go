package supervisor

import "time"

// RestartPolicy controls how the supervisor reacts to the stream process exiting.
type RestartPolicy struct {
	Always bool
	Delay  time.Duration
}

// ExecSpec describes the stream process a unit runs.
type ExecSpec struct {
	Description string // human-readable session name
	MediaPath   string
	Endpoint    string // baseURL(platform) + "/" + credential
	Loop        bool   // loop the input forever
	Reconnect   bool   // reconnect to the endpoint on network errors
	Restart     RestartPolicy
}

// DefaultExecSpec returns a spec with infinite loop, reconnect and
// restart-always with a 10s backoff.
func DefaultExecSpec(description, mediaPath, endpoint string) ExecSpec {
	return ExecSpec{
		Description: description,
		MediaPath:   mediaPath,
		Endpoint:    endpoint,
		Loop:        true,
		Reconnect:   true,
		Restart:     RestartPolicy{Always: true, Delay: 10 * time.Second},
	}
}

// Args returns the ffmpeg arguments (without the binary) for the spec.
func (s ExecSpec) Args() []string {
	var args []string
	if s.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args,
		"-re",
		"-i", s.MediaPath,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
	)
	if s.Reconnect {
		args = append(args,
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-rw_timeout", "30000000",
			"-timeout", "30000000",
		)
	}
	args = append(args,
		"-fflags", "+genpts",
		"-avoid_negative_ts", "make_zero",
		"-max_muxing_queue_size", "1024",
		s.Endpoint,
	)
	return args
}
