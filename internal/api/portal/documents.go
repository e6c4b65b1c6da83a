package portal

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/knowledge-portal/portal/internal/backend"
	"github.com/knowledge-portal/portal/internal/middleware"
	"github.com/knowledge-portal/portal/internal/store"
)

// multipartOverhead is the allowance for form boundaries and headers on top of
// the file size limit.
const multipartOverhead = 64 << 10

// allowedType sniffs the content type of r and reports whether it, or one of
// its parents (docx is a zip, markdown is plain text), is in allowed.
func allowedType(r io.Reader, allowed []string) (*mimetype.MIME, bool, error) {
	mt, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, false, err
	}
	for m := mt; m != nil; m = m.Parent() {
		if mimetype.EqualsAny(m.String(), allowed...) {
			return mt, true, nil
		}
	}
	return mt, false, nil
}

// UploadDocumentHandler forwards an uploaded file to the backend after checking
// its size and sniffed content type. sectorId defaults to the current sector.
// POST /api/v1/documents
func (h *Handlers) UploadDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.uploads.MaxBytes+multipartOverhead)

		header, err := c.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File is too large", "field": "file"})
				return
			}
			fieldError(c, "file", "file is required")
			return
		}
		if header.Size > h.uploads.MaxBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File is too large", "field": "file"})
			return
		}

		f, err := header.Open()
		if err != nil {
			fieldError(c, "file", "Unreadable file")
			return
		}
		defer f.Close()

		mt, ok, err := allowedType(f, h.uploads.AllowedTypes)
		if err != nil {
			fieldError(c, "file", "Unreadable file")
			return
		}
		if !ok {
			slog.Info("rejected upload", "filename", header.Filename, "detected_type", mt.String())
			fieldError(c, "file", "Unsupported file type")
			return
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			fieldError(c, "file", "Unreadable file")
			return
		}

		ctx := c.Request.Context()
		sectorID := c.PostForm("sectorId")
		if sectorID == "" {
			if cur := store.MustUserStore(ctx).CurrentSectorID(); cur != nil {
				sectorID = *cur
			}
		}
		if sectorID == "" {
			fieldError(c, "sectorId", "Select a sector before uploading")
			return
		}

		doc, err := h.api.UploadDocument(ctx, accessToken(c), backend.Upload{
			Filename:    header.Filename,
			ContentType: mt.String(),
			SectorID:    sectorID,
			Body:        f,
		})
		if err != nil {
			backendError(c, "documents.upload", err)
			return
		}
		c.Set(middleware.AuditResourceIDKey, doc.ID)
		c.JSON(http.StatusCreated, doc)
	}
}

// ListDocumentsHandler lists the documents of a sector, the current one by default
// GET /api/v1/documents?sectorId=
func (h *Handlers) ListDocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		sectorID := c.Query("sectorId")
		if sectorID == "" {
			if cur := store.MustUserStore(ctx).CurrentSectorID(); cur != nil {
				sectorID = *cur
			}
		}

		docs, err := h.api.ListDocuments(ctx, accessToken(c), sectorID)
		if err != nil {
			backendError(c, "documents.list", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"documents": docs,
			"sectorId":  sectorID,
		})
	}
}

// DeleteDocumentHandler deletes a document
// DELETE /api/v1/documents/:id
func (h *Handlers) DeleteDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.api.DeleteDocument(c.Request.Context(), accessToken(c), c.Param("id")); err != nil {
			backendError(c, "documents.delete", err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
