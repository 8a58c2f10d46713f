package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	httph "github.com/Luzifer/go_helpers/http"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Luzifer/mediacache/pkg/folders"
	"github.com/Luzifer/mediacache/pkg/mediacache"
	"github.com/Luzifer/mediacache/pkg/region"
	"github.com/Luzifer/mediacache/pkg/source/gcs"
	"github.com/Luzifer/mediacache/pkg/source/httpsource"
	"github.com/Luzifer/mediacache/pkg/storage/local"
	"github.com/Luzifer/rconfig/v2"
)

const logFileMaxSizeMB = 100

var (
	cfg = struct {
		CacheMaxEntries int64  `flag:"cache-max-entries" default:"1048576" description:"Capacity of the cache index in weight units (1 unit = 1 KiB)"`
		FolderConfig    string `flag:"folder-config" default:"" description:"YAML file holding the media folder configurations"`
		Listen          string `flag:"listen" default:":3000" description:"Port/IP to listen on"`
		LogFile         string `flag:"log-file" default:"" description:"Write rotated logs to this file instead of stderr"`
		LogLevel        string `flag:"log-level" default:"info" description:"Log level (debug, info, warn, error, fatal)"`
		Source          string `flag:"source" default:"" description:"Media source: http(s)://host/path or gs://bucket/prefix" validate:"nonzero"`
		StorageDir      string `flag:"storage-dir" default:"./data/" description:"Where to store cached files"`
		StrictFolders   bool   `flag:"strict-folders" default:"false" description:"Reject requests for folders missing in the folder config"`
		TempDir         string `flag:"temp-dir" default:"" description:"Where to put resources too large for the cache (default: system temp dir)"`
		UserAgent       string `flag:"user-agent" default:"" description:"User-Agent to send to HTTP sources"`
		VersionAndExit  bool   `flag:"version" default:"false" description:"Prints current version and exits"`
	}{}

	version = "dev"
)

func initApp() error {
	rconfig.AutoEnv(true)
	if err := rconfig.ParseAndValidate(&cfg); err != nil {
		return errors.Wrap(err, "parsing commandline options")
	}

	if cfg.VersionAndExit {
		fmt.Printf("mediacache %s\n", version) //nolint:forbidigo // Fine for version info
		os.Exit(0)
	}

	l, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "parsing log level")
	}
	log.SetLevel(l)

	if cfg.LogFile != "" {
		log.SetFormatter(&log.JSONFormatter{})
		log.SetOutput(&lumberjack.Logger{
			Filename: cfg.LogFile,
			MaxSize:  logFileMaxSizeMB,
			Compress: true,
		})
	}

	return nil
}

func main() {
	if err := initApp(); err != nil {
		log.WithError(err).Fatal("initializing app")
	}

	ctx := context.Background()

	dataDir, err := filepath.Abs(cfg.StorageDir)
	if err != nil {
		log.WithError(err).Fatal("resolving storage dir")
	}

	folderRegistry, err := folders.Load(cfg.FolderConfig)
	if err != nil {
		log.WithError(err).Fatal("loading folder config")
	}

	src, err := newSource(ctx, cfg.Source)
	if err != nil {
		log.WithError(err).Fatal("creating media source")
	}

	index := region.New[mediacache.Key, *mediacache.Unit]("media", cfg.CacheMaxEntries, mediacache.UnitWeight)
	svc := mediacache.New(index, local.New(dataDir), dataDir, mediacache.WithTempDir(cfg.TempDir))

	if err = svc.Recreate(ctx, folderRegistry.All()); err != nil {
		log.WithError(err).Fatal("recreating cache from storage dir")
	}

	r := mux.NewRouter()
	newMediaHandler(svc, folderRegistry, src, cfg.StrictFolders).register(r)
	r.SkipClean(true)

	log.WithFields(log.Fields{
		"listen":  cfg.Listen,
		"storage": dataDir,
		"version": version,
	}).Info("mediacache started")

	if err = http.ListenAndServe(cfg.Listen, httph.NewHTTPLogHandler(r)); err != nil { //#nosec:G114 // Timeouts are left to the fronting proxy
		log.WithError(err).Fatal("running HTTP server")
	}
}

func newSource(ctx context.Context, uri string) (mediacache.StreamGetter, error) {
	switch {
	case strings.HasPrefix(uri, "gs://"):
		s, err := gcs.New(ctx, uri)
		if err != nil {
			return nil, errors.Wrap(err, "creating GCS source")
		}
		return s, nil

	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		s, err := httpsource.New(uri, cfg.UserAgent, nil)
		if err != nil {
			return nil, errors.Wrap(err, "creating HTTP source")
		}
		return s, nil

	default:
		return nil, errors.Errorf("unsupported source %q", uri)
	}
}
