package main

import (
	"debug/elf"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Observer receives pipeline events. Discovery reports the File* events,
// the resolver everything from FileStarted onwards.
type Observer interface {
	FileFound(path string)
	FileNotFound(path string)
	FileRemoved(path string, removed bool)
	FileStarted(index, total int, path string)
	FileFormat(path string, class elf.Class, data elf.Data)
	FileInvalid(path string, err error)
	PassStarted(path string, pass Pass)
	ResolvingStarted(pending int)
	ResolvingFinished(resolved, dropped int)
	OutputWritten(path string)
	OutputFailed(path string, err error)
}

type nopObserver struct{}

func (nopObserver) FileFound(string) {}
func (nopObserver) FileNotFound(string) {}
func (nopObserver) FileRemoved(string, bool) {}
func (nopObserver) FileStarted(int, int, string) {}
func (nopObserver) FileFormat(string, elf.Class, elf.Data) {}
func (nopObserver) FileInvalid(string, error) {}
func (nopObserver) PassStarted(string, Pass) {}
func (nopObserver) ResolvingStarted(int) {}
func (nopObserver) ResolvingFinished(int, int) {}
func (nopObserver) OutputWritten(string) {}
func (nopObserver) OutputFailed(string, error) {}

// Progress reports pipeline progress with elapsed time.
type Progress struct {
	start   time.Time
	now     func() time.Time
	verbose bool
	log     *zap.SugaredLogger
}

// NewProgress creates a progress reporter writing to log.
func NewProgress(log *zap.Logger, verbose bool) *Progress {
	return newProgressWithClock(log, verbose, time.Now)
}

func newProgressWithClock(log *zap.Logger, verbose bool, now func() time.Time) *Progress {
	return &Progress{start: now(), now: now, verbose: verbose, log: log.Sugar()}
}

func (p *Progress) elapsed() string {
	d := p.now().Sub(p.start)
	return fmt.Sprintf("[%02d:%02d]", int(d.Minutes()), int(d.Seconds())%60)
}

// Log prints a progress message with elapsed time prefix.
func (p *Progress) Log(format string, args ...any) {
	p.log.Info(p.elapsed() + " " + fmt.Sprintf(format, args...))
}

// Warn prints a warning with elapsed time prefix.
func (p *Progress) Warn(format string, args ...any) {
	p.log.Warn(p.elapsed() + " " + fmt.Sprintf(format, args...))
}

// Verbose prints only when verbose mode is enabled.
func (p *Progress) Verbose(format string, args ...any) {
	if p.verbose {
		p.Log(format, args...)
	}
}

func (p *Progress) FileFound(path string) {
	p.Verbose("Found: %s", path)
}

func (p *Progress) FileNotFound(path string) {
	p.log.Errorw(p.elapsed()+" The file "+path+" does not exist!", "path", path)
}

func (p *Progress) FileRemoved(path string, removed bool) {
	if removed {
		p.Log("Removing %s...removed!", path)
		return
	}
	p.Log("Removing %s...not found!", path)
}

func (p *Progress) FileStarted(index, total int, path string) {
	p.Verbose("(%d / %d) Processing %s...", index, total, path)
}

func (p *Progress) FileFormat(path string, class elf.Class, data elf.Data) {
	bits := "64bit"
	if class == elf.ELFCLASS32 {
		bits = "32bit"
	}
	endian := "little endian"
	if data == elf.ELFDATA2MSB {
		endian = "big endian"
	}
	p.Verbose("\t- Reading a %s object file that is %s.", bits, endian)
}

func (p *Progress) FileInvalid(path string, err error) {
	p.Verbose("\t- Could not read object file. Ignoring...")
	p.log.Debugw("object skipped", "path", path, "error", err)
}

func (p *Progress) PassStarted(path string, pass Pass) {
	switch pass {
	case PassSymbols:
		p.Verbose("\t- Performing initial pass.")
	case PassLink:
		p.Verbose("\t- Resolving and linking references.")
	case PassPurge:
		p.Verbose("\t- Purging resident facts to output.")
	}
}

func (p *Progress) ResolvingStarted(pending int) {
	p.Log("Resolving all undefined references (%d pending)...", pending)
}

func (p *Progress) ResolvingFinished(resolved, dropped int) {
	p.Log("Resolved %d references, dropped %d.", resolved, dropped)
}

func (p *Progress) OutputWritten(path string) {
	p.Log("TA file successfully written to %s!", path)
}

func (p *Progress) OutputFailed(path string, err error) {
	p.log.Errorw(p.elapsed()+" TA file could not be written to "+path+"!", "error", err)
}

// Anomalies logs each alias anomaly at debug level and a summary at warn.
func (p *Progress) Anomalies(as []Anomaly) {
	if len(as) == 0 {
		return
	}
	counts := make(map[AnomalyKind]int)
	for _, a := range as {
		counts[a.Kind]++
		p.log.Debugw("alias anomaly", "kind", a.Kind.String(), "alias", a.Alias, "id", a.ID, "owner", a.Owner)
	}
	p.Warn("%d ambiguous aliases, %d extra aliases (first definition wins)",
		counts[AnomalyAmbiguousAlias], counts[AnomalyExtraAlias])
}
