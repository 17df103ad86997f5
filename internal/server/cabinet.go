package server

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"cabinet-drop/internal/cabinet"
	"cabinet-drop/internal/gateway"
	"cabinet-drop/internal/vault"
)

// Content size limits for one occupy request.
const (
	maxMessageSize = 2000
	maxFileSize    = 2 << 20  // per file
	maxTotalSize   = 10 << 20 // whole cabinet
	maxHours       = 24
	defaultHours   = 1
)

func parseCode(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("code"), 10, 64)
}

// applyHandler handles POST /cabinet/apply: allocate a free slot and
// return the hold token to its new owner.
func (cfg Config) applyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view, err := cfg.Registry.Apply()
		if err != nil {
			writeError(w, err)
			return
		}
		GetMetrics().RecordApply()
		writeJSON(w, http.StatusOK, view)
	})
}

// getHandler handles GET /cabinet/{code}: the public view, hold token
// never included.
func (cfg Config) getHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := parseCode(r)
		if err != nil {
			writeBadRequest(w, "invalid cabinet code")
			return
		}
		view, err := cfg.Registry.Get(code)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	})
}

// usageHandler handles GET /cabinet/usage.
func (cfg Config) usageHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.Registry.Usage())
	})
}

// occupyHandler handles POST /cabinet/{code}: multipart commit of
// message and/or files under the hold token. Fields: hold_token,
// password (hex ciphertext), public_key, hours, message, files, name,
// description.
func (cfg Config) occupyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := parseCode(r)
		if err != nil {
			writeBadRequest(w, "invalid cabinet code")
			return
		}

		// Bound the whole request body; multipart framing overhead gets
		// a little headroom past the content limit.
		r.Body = http.MaxBytesReader(w, r.Body, maxTotalSize+1<<20)
		if err := r.ParseMultipartForm(4 << 20); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeBadRequest(w, "request too large")
				return
			}
			writeBadRequest(w, "bad multipart request")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		holdToken := r.FormValue("hold_token")
		if holdToken == "" {
			writeBadRequest(w, "missing hold_token")
			return
		}

		cred := gateway.Credential{
			Password:  r.FormValue("password"),
			PublicKey: r.FormValue("public_key"),
		}
		if cred.Password == "" || cred.PublicKey == "" {
			writeBadRequest(w, "missing password or public_key")
			return
		}

		hours := defaultHours
		if raw := r.FormValue("hours"); raw != "" {
			hours, err = strconv.Atoi(raw)
			if err != nil || hours < 0 || hours > maxHours {
				writeBadRequest(w, fmt.Sprintf("hours must be between 0 and %d", maxHours))
				return
			}
		}

		var items []vault.Item
		total := 0

		if msg := r.FormValue("message"); msg != "" {
			if len(msg) > maxMessageSize {
				writeBadRequest(w, fmt.Sprintf("message exceeds %d bytes", maxMessageSize))
				return
			}
			items = append(items, vault.Item{
				Kind:     cabinet.ItemText,
				Filename: "message.txt",
				Payload:  []byte(msg),
			})
			total += len(msg)
		}

		for _, fh := range r.MultipartForm.File["files"] {
			if fh.Size > maxFileSize {
				writeBadRequest(w, fmt.Sprintf("file %q exceeds %d bytes", fh.Filename, maxFileSize))
				return
			}
			f, err := fh.Open()
			if err != nil {
				writeBadRequest(w, "unreadable file part")
				return
			}
			payload, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				writeBadRequest(w, "unreadable file part")
				return
			}

			// Browsers may send a path; keep only the base name.
			filename := path.Base(strings.ReplaceAll(fh.Filename, "\\", "/"))
			if filename == "." || filename == "/" || filename == "" {
				filename = "unknown"
			}

			items = append(items, vault.Item{
				Kind:     cabinet.ItemFile,
				Filename: filename,
				Payload:  payload,
			})
			total += len(payload)
		}

		if total > maxTotalSize {
			writeBadRequest(w, fmt.Sprintf("total content exceeds %d bytes", maxTotalSize))
			return
		}

		meta := cabinet.Meta{
			Name:        r.FormValue("name"),
			Description: r.FormValue("description"),
		}

		view, err := cfg.Gateway.Occupy(r.Context(), code, holdToken, cred, meta,
			time.Duration(hours)*time.Hour, items)
		if err != nil {
			writeError(w, err)
			return
		}
		GetMetrics().RecordOccupy()
		writeJSON(w, http.StatusOK, view)
	})
}

// itemsHandler handles POST /cabinet/{code}/items: credentialed item
// listing.
func (cfg Config) itemsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := parseCode(r)
		if err != nil {
			writeBadRequest(w, "invalid cabinet code")
			return
		}

		var cred gateway.Credential
		if err := decodeJSON(r, &cred); err != nil {
			writeBadRequest(w, "invalid credential body")
			return
		}

		items, err := cfg.Gateway.ListItems(r.Context(), code, cred)
		if err != nil {
			recordDenied(err)
			writeError(w, err)
			return
		}
		GetMetrics().RecordItemList()
		writeJSON(w, http.StatusOK, items)
	})
}

// contentHandler handles POST /cabinet/{code}/item/{id}/content with
// mode=text or mode=file.
func (cfg Config) contentHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := parseCode(r)
		if err != nil {
			writeBadRequest(w, "invalid cabinet code")
			return
		}
		itemID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			writeBadRequest(w, "invalid item id")
			return
		}

		mode := r.URL.Query().Get("mode")
		if mode != "text" && mode != "file" {
			writeBadRequest(w, "mode must be text or file")
			return
		}

		var cred gateway.Credential
		if err := decodeJSON(r, &cred); err != nil {
			writeBadRequest(w, "invalid credential body")
			return
		}

		payload, summary, err := cfg.Gateway.FetchContent(r.Context(), code, itemID, cred)
		if err != nil {
			recordDenied(err)
			writeError(w, err)
			return
		}
		GetMetrics().RecordContentFetch()

		switch mode {
		case "text":
			if summary.Kind != cabinet.ItemText {
				writeBadRequest(w, "item does not support text mode")
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
		case "file":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Content-Disposition",
				mime.FormatMediaType("attachment", map[string]string{"filename": summary.Filename}))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
		}
	})
}

// deleteHandler handles DELETE /cabinet/{code}: credentialed early
// release of an occupied cabinet.
func (cfg Config) deleteHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, err := parseCode(r)
		if err != nil {
			writeBadRequest(w, "invalid cabinet code")
			return
		}

		var cred gateway.Credential
		if err := decodeJSON(r, &cred); err != nil {
			writeBadRequest(w, "invalid credential body")
			return
		}

		if err := cfg.Gateway.Delete(r.Context(), code, cred); err != nil {
			recordDenied(err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, true)
	})
}

func recordDenied(err error) {
	if errors.Is(err, vault.ErrWrongPassword) || errors.Is(err, gateway.ErrTooManyAttempts) {
		GetMetrics().RecordDenied()
	}
}
