// klog sets up the kernel's default slog logger.
package klog

import "fmt"
import "io"
import "log/slog"
import "os"

// logs to stdout and, when path is non-empty, appends to the file at path.
// level is one of DEBUG, INFO, WARN or ERROR; anything else means INFO. the
// returned closer releases the log file.
func Init(path string, level string) (io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopcloser{}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log %s: %w", path, err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}
	lvl, lerr := Level(level)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(h))
	if lerr != nil {
		slog.Warn(lerr.Error())
	}
	return closer, nil
}

// converts a config level string
func Level(s string) (slog.Level, error) {
	switch s {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q, using INFO", s)
}

type nopcloser struct{}

func (nopcloser) Close() error { return nil }
