// Package logging configures the ambient logrus logger shared by both
// binaries. Messages are prefixed with the program name, matching the
// "prgname: message" convention of spec.md section 7.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a *logrus.Logger for prgname. When verbose is false, only
// Warn level and above are emitted (Debug/Info are best-effort detail
// per spec.md section 7's "best-effort steps log warnings" policy).
func New(prgname string, verbose bool) *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &textFormatter{prgname: prgname, verbose: verbose}
	if verbose {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.WarnLevel)
	}
	return l
}

// textFormatter delegates field rendering to logrus's own text
// formatter and only overrides the message prefix.
type textFormatter struct {
	prgname string
	verbose bool
	inner   logrus.TextFormatter
}

func (f *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Message = f.prgname + ": " + e.Message
	f.inner.DisableTimestamp = !f.verbose
	f.inner.DisableColors = true
	return f.inner.Format(e)
}
