package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// InitLogger installs the global logger on stderr. Stdout is reserved for the
// connection instructions printed to the operator.
// It returns the run id attached to every entry.
func InitLogger(debug bool) string {
	return initLogger(os.Stderr, debug, term.IsTerminal(int(os.Stderr.Fd())))
}

func initLogger(out io.Writer, debug, color bool) string {
	runID := uuid.NewString()

	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cw := PrettyWriter(out, debug)
	cw.NoColor = !color

	// Short id is enough to tell two CI runs apart in the same log view.
	log.Logger = zerolog.New(cw).With().
		Timestamp().
		Str("run_id", strings.SplitN(runID, "-", 2)[0]).
		Caller().
		Logger()

	return runID
}

// PrettyWriter returns a zerolog.ConsoleWriter with or without caller info
func PrettyWriter(out io.Writer, showCaller bool) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{
		Out:          out,
		NoColor:      true,
		TimeFormat:   time.RFC3339,
		TimeLocation: time.Local,
		FormatLevel: func(i interface{}) string {
			return "[" + strings.ToUpper(fmt.Sprint(i)) + "]"
		},
		FormatMessage: func(i interface{}) string {
			return fmt.Sprint(i)
		},
		FormatFieldName: func(i interface{}) string {
			return "(" + fmt.Sprint(i) + ")"
		},
		FormatFieldValue: func(i interface{}) string {
			return fmt.Sprint(i)
		},
	}
	if showCaller {
		cw.FormatCaller = func(i interface{}) string {
			if i == nil || i == "" {
				return ""
			}
			fileName, lineno := ParseCaller(fmt.Sprint(i))
			return fmt.Sprintf("(%s:%d)", fileName, lineno)
		}
	} else {
		cw.FormatCaller = func(i interface{}) string { return "" }
	}
	return cw
}

// ParseCaller splits a zerolog caller string ("path/file.go:42") into the
// base file name and line number.
func ParseCaller(caller string) (fileName string, lineno int) {
	parts := strings.Split(caller, ":")
	if len(parts) > 0 {
		fileName = filepath.Base(parts[0])
	}
	if len(parts) > 1 {
		if n, err := strconv.Atoi(parts[1]); err == nil {
			lineno = n
		}
	}
	return fileName, lineno
}
