package main

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Luzifer/mediacache/pkg/folders"
	"github.com/Luzifer/mediacache/pkg/mediacache"
)

type mediaHandler struct {
	svc           *mediacache.Service
	folders       *folders.Registry
	source        mediacache.StreamGetter
	strictFolders bool
}

type mediaRequest struct {
	tenant   string
	folder   mediacache.FolderConfig
	location string
	logger   *log.Entry
}

func newMediaHandler(svc *mediacache.Service, folderRegistry *folders.Registry, src mediacache.StreamGetter, strict bool) mediaHandler {
	return mediaHandler{svc: svc, folders: folderRegistry, source: src, strictFolders: strict}
}

func (h mediaHandler) register(r *mux.Router) {
	r.HandleFunc("/media/{tenant}/{folder}/{location:.+}", h.handleFile).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/media/{tenant}/{folder}/{location:.+}", h.handleInvalidate).Methods(http.MethodDelete)
	r.HandleFunc("/stream/{tenant}/{folder}/{location:.+}", h.handleStream).Methods(http.MethodGet)
}

func (h mediaHandler) handleFile(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	f, err := h.svc.StoreOrGetAsFile(r.Context(), req.tenant, req.folder, req.location, h.source)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	defer func() {
		if err := f.Close(); err != nil {
			req.logger.WithError(err).Error("closing cached file (leaked fd)")
		}
	}()

	var modTime time.Time
	if info, err := f.Stat(); err == nil {
		modTime = info.ModTime()
	}

	http.ServeContent(w, r, path.Base(req.location), modTime, f)
}

func (h mediaHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	rc, err := h.svc.StoreOrGetAsStream(r.Context(), req.tenant, req.folder, req.location, h.source)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	defer func() {
		if err := rc.Close(); err != nil {
			req.logger.WithError(err).Error("closing cached stream (leaked fd)")
		}
	}()

	if ct := mime.TypeByExtension(path.Ext(req.location)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}

	if _, err = io.Copy(w, rc); err != nil {
		req.logger.WithError(err).Debug("copying stream to client")
	}
}

func (h mediaHandler) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	req, ok := h.parseRequest(w, r)
	if !ok {
		return
	}

	if !h.svc.Invalidate(req.tenant, req.folder, req.location) {
		http.Error(w, "Resource is not cached", http.StatusNotFound)
		return
	}

	req.logger.Debug("invalidated cached resource")
	w.WriteHeader(http.StatusNoContent)
}

func (h mediaHandler) parseRequest(w http.ResponseWriter, r *http.Request) (mediaRequest, bool) {
	vars := mux.Vars(r)
	req := mediaRequest{
		tenant:   vars["tenant"],
		location: vars["location"],
	}

	if path.Clean("/"+req.location) != "/"+req.location {
		http.Error(w, "Unable to parse requested location", http.StatusBadRequest)
		return req, false
	}

	if err := (mediacache.FolderConfig{Qualifier: vars["folder"]}).Validate(); err != nil {
		http.Error(w, "Unable to parse requested folder", http.StatusBadRequest)
		return req, false
	}

	if f, ok := h.folders.Get(vars["folder"]); ok {
		req.folder = f
	} else if h.strictFolders {
		http.Error(w, "Unknown media folder", http.StatusNotFound)
		return req, false
	} else {
		req.folder = h.folders.GetOrDefault(vars["folder"])
	}

	req.logger = log.WithFields(log.Fields{
		"folder":   req.folder.Qualifier,
		"location": req.location,
		"tenant":   req.tenant,
	})

	return req, true
}

func (mediaHandler) fail(w http.ResponseWriter, req mediaRequest, err error) {
	if errors.Is(err, os.ErrNotExist) {
		http.Error(w, "Resource not found", http.StatusNotFound)
		return
	}

	if errors.Is(err, mediacache.ErrInvalidFolder) {
		http.Error(w, "Unable to parse requested folder", http.StatusBadRequest)
		return
	}

	req.logger.WithError(err).Error("Unable to provide resource")
	http.Error(w, "Unable to provide resource", http.StatusInternalServerError)
}
