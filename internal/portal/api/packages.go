package api

import (
	"errors"
	"net/http"

	"github.com/goodtune/kportal/internal/access"
	"github.com/goodtune/kportal/internal/catalog"
	"github.com/goodtune/kportal/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// PackageHandler handles package catalog requests.
type PackageHandler struct {
	catalog Catalog
	logger  zerolog.Logger
}

// NewPackageHandler creates a new package handler.
func NewPackageHandler(catalog Catalog, logger zerolog.Logger) *PackageHandler {
	return &PackageHandler{
		catalog: catalog,
		logger:  logger.With().Str("handler", "packages").Logger(),
	}
}

// List returns all packages.
func (h *PackageHandler) List(w http.ResponseWriter, r *http.Request) {
	pkgs, err := h.catalog.List(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list packages")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve packages")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": pkgs,
		"count":    len(pkgs),
	})
}

// Get returns a single package by ID.
func (h *PackageHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	pkg, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Package not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to get package")
		writeError(w, http.StatusInternalServerError, "Failed to retrieve package")
		return
	}

	writeJSON(w, http.StatusOK, pkg)
}

// Create adds a package to the catalog.
func (h *PackageHandler) Create(w http.ResponseWriter, r *http.Request) {
	var pkg access.Package
	if err := decodeJSON(r, &pkg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	created, err := h.catalog.Create(r.Context(), pkg)
	if err != nil {
		if writeValidationError(w, err) {
			return
		}
		if errors.Is(err, catalog.ErrPackageExists) {
			writeError(w, http.StatusConflict, "Package already exists")
			return
		}
		h.logger.Error().Err(err).Msg("Failed to create package")
		writeError(w, http.StatusInternalServerError, "Failed to create package")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// Update replaces a package.
func (h *PackageHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var pkg access.Package
	if err := decodeJSON(r, &pkg); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	updated, err := h.catalog.Update(r.Context(), id, pkg)
	if err != nil {
		if writeValidationError(w, err) {
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Package not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to update package")
		writeError(w, http.StatusInternalServerError, "Failed to update package")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// Delete removes a package.
func (h *PackageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.catalog.Delete(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Package not found")
			return
		}
		h.logger.Error().Err(err).Str("id", id).Msg("Failed to delete package")
		writeError(w, http.StatusInternalServerError, "Failed to delete package")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Package deleted successfully",
	})
}
