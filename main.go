package main

import (
	"os"

	"github.com/bsv-blockchain/tracker/daemon"
	"github.com/bsv-blockchain/tracker/settings"
	"github.com/bsv-blockchain/tracker/ulogger"
	"github.com/ordishs/gocore"
)

// Name used by build script for the binaries. (Please keep on single line)
const progname = "tracker"

// Version & commit strings injected at build with -ldflags -X...
var version string
var commit string

func init() {
	gocore.SetInfo(progname, version, commit)
}

func main() {
	tSettings := settings.NewSettings()

	loggerFactory := func(serviceName string) ulogger.Logger {
		return ulogger.New(serviceName, ulogger.WithLevel(tSettings.LogLevel), ulogger.WithPretty(tSettings.PrettyLogs))
	}

	logger := loggerFactory(progname)
	logger.Infof("[Main] %s version %s (%s)", progname, version, commit)

	d := daemon.New(daemon.WithLoggerFactory(loggerFactory))

	if err := d.Start(logger, tSettings); err != nil {
		logger.Errorf("[Main] tracker stopped with error: %v", err)
		os.Exit(1)
	}
}
