// Command mrcloudfs mounts a remote cloud-storage account as a FUSE
// filesystem (spec.md §4.F, §6 CLI).
//
// Grounded on _examples/original_source/mrucfs.py's main() for the exact
// CLI surface and credentials format, and
// _examples/perkeep-perkeep/cmd/pk-mount/pkmount.go for the
// mount/Serve/signal-handling bootstrap idiom.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/mrcloudfs/mrcloudfs/internal/cloud"
	"github.com/mrcloudfs/mrcloudfs/internal/mountfs"
)

// credentials is the decoded shape of the credentials file (spec.md §3,
// §6): a key/value document with string fields login and password. The
// original loads this with json.load; we follow that format (DESIGN.md
// cmd/mrcloudfs entry) with stdlib encoding/json.
type credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func main() {
	os.Exit(run())
}

func run() int {
	var credentialsPath, tempDir, logPath string
	flags := pflag.NewFlagSet("mrcloudfs", pflag.ContinueOnError)
	flags.StringVarP(&credentialsPath, "credentials", "c", "", "path to credentials file (required)")
	flags.StringVarP(&tempDir, "temp-dir", "t", "", "writable scratch directory (required)")
	flags.StringVarP(&logPath, "log-file", "l", "", "optional log file path")
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	args := flags.Args()
	if len(args) != 1 || credentialsPath == "" || tempDir == "" {
		fmt.Fprintf(os.Stderr, "usage: %s MOUNTPOINT -c CREDENTIALS_FILE -t TEMP_DIR [-l LOGFILE]\n", os.Args[0])
		return 2
	}
	mountpoint := args[0]

	log, closeLog, err := newLogger(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer closeLog()

	creds, err := loadCredentials(credentialsPath)
	if err != nil {
		log.Error().Err(err).Msg("load credentials")
		return 1
	}

	if err := os.MkdirAll(tempDir, 0700); err != nil {
		log.Error().Err(err).Msg("prepare temp dir")
		return 1
	}

	client, err := cloud.NewClient(creds.Login, creds.Password, log)
	if err != nil {
		log.Error().Err(err).Msg("authenticate")
		return 1
	}

	filesystem := mountfs.New(client, log, tempDir)

	conn, err := fuse.Mount(
		mountpoint,
		fuse.FSName("mrcloudfs"),
		fuse.VolumeName("mrcloudfs"),
		fuse.AllowOther(),
	)
	if err != nil {
		log.Error().Err(err).Msg("mount")
		return 1
	}
	defer conn.Close()

	log.Info().Str("mountpoint", mountpoint).Msg("mounted")

	doneServe := make(chan error, 1)
	go func() {
		doneServe <- fs.Serve(conn, filesystem)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case err := <-doneServe:
		if err != nil {
			log.Error().Err(err).Msg("serve")
			return 1
		}
	case sig := <-sigc:
		log.Info().Str("signal", sig.String()).Msg("received signal, unmounting")
		if err := fuse.Unmount(mountpoint); err != nil {
			log.Error().Err(err).Msg("unmount")
			return 1
		}
		<-doneServe
	}
	return 0
}

func loadCredentials(path string) (credentials, error) {
	f, err := os.Open(path)
	if err != nil {
		return credentials{}, errors.Wrap(err, "open credentials file")
	}
	defer f.Close()

	var c credentials
	if err := json.NewDecoder(f).Decode(&c); err != nil {
		return credentials{}, errors.Wrap(err, "decode credentials file")
	}
	if c.Login == "" || c.Password == "" {
		return credentials{}, errors.New("credentials file missing login or password")
	}
	return c, nil
}

// newLogger configures a zerolog logger writing to logPath if given, else
// stderr, in the console-writer style of
// _examples/cs3org-reva/pkg/log/log.go, simplified to a single process-
// wide logger rather than reva's per-package registry.
func newLogger(logPath string) (zerolog.Logger, func(), error) {
	var w = os.Stderr
	closeFn := func() {}
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return zerolog.Logger{}, nil, errors.Wrap(err, "open log file")
		}
		w = f
		closeFn = func() { f.Close() }
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: w, NoColor: logPath != ""}).
		With().
		Timestamp().
		Logger()
	return log, closeFn, nil
}
