// Package files serves agent archives from the local storage backend through the signed
// /v1/files URLs that the local backend hands out as download descriptors.
package files

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/carp-registry/carp/internal/apperrors"
	"github.com/carp-registry/carp/internal/middleware"
	"github.com/carp-registry/carp/internal/storage"
)

// SignedStore is the part of local.LocalStorage the handler needs.
type SignedStore interface {
	VerifySignature(path, expires, signature string) error
	Open(path string) (*os.File, error)
}

// ServeFileHandler handles GET /v1/files/*filepath?expires=&signature=. A missing, forged
// or expired signature is 403; the object is only opened after the signature checks out.
func ServeFileHandler(store SignedStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		objectPath := strings.TrimPrefix(c.Param("filepath"), "/")
		if objectPath == "" {
			middleware.AbortWithError(c, apperrors.New(apperrors.KindInvalidArgument, "file path is required"))
			return
		}

		if err := store.VerifySignature(objectPath, c.Query("expires"), c.Query("signature")); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, middleware.ErrorBody{
				Error:   string(apperrors.KindAuthInvalid),
				Message: "download url is invalid or expired",
			})
			return
		}

		f, err := store.Open(objectPath)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				middleware.AbortWithError(c, apperrors.New(apperrors.KindNotFound, "file not found"))
				return
			}
			slog.Error("failed to open stored file", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
			middleware.AbortWithError(c, apperrors.New(apperrors.KindInternal, "failed to read file"))
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || !info.Mode().IsRegular() {
			middleware.AbortWithError(c, apperrors.New(apperrors.KindNotFound, "file not found"))
			return
		}

		contentType := "application/gzip"
		if strings.HasSuffix(objectPath, ".zip") {
			contentType = "application/zip"
		}
		c.Header("Content-Type", contentType)
		c.Header("Content-Disposition", `attachment; filename="`+path.Base(objectPath)+`"`)
		c.Header("Cache-Control", "private, no-store")
		http.ServeContent(c.Writer, c.Request, info.Name(), info.ModTime(), f)
	}
}
