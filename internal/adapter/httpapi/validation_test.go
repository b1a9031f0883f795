package httpapi_test

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"kb-engine/api"
	"kb-engine/internal/adapter/httpapi"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validationStack wires the embedded contract's middleware in front of a
// stub route that records whether it was reached.
func validationStack(t *testing.T) (*echo.Echo, *bool) {
	t.Helper()
	mw, err := httpapi.OpenAPIValidation(api.OpenAPISpec)
	require.NoError(t, err)

	e := echo.New()
	e.Use(mw)

	reached := false
	stub := func(c echo.Context) error {
		reached = true
		return c.NoContent(http.StatusOK)
	}
	e.POST("/v1/retrieve", stub)
	e.POST("/v1/knowledge-bases", stub)
	e.POST("/v1/knowledge-bases/:id/documents", stub)
	e.GET("/healthz", stub)
	return e, &reached
}

func TestOpenAPIValidation_RejectsMissingRequiredField(t *testing.T) {
	e, reached := validationStack(t)

	body := fmt.Sprintf(`{"knowledge_base_ids":[%q]}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, *reached, "invalid requests must not reach the handler")
	assert.Contains(t, rec.Body.String(), "error")
}

func TestOpenAPIValidation_RejectsWrongFieldType(t *testing.T) {
	e, reached := validationStack(t)

	body := fmt.Sprintf(`{"query":"reset","knowledge_base_ids":[%q],"top_k":"five"}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, *reached)
}

func TestOpenAPIValidation_PassesValidRequest(t *testing.T) {
	e, reached := validationStack(t)

	body := fmt.Sprintf(`{"query":"reset","knowledge_base_ids":[%q],"top_k":5}`, uuid.New())
	req := httptest.NewRequest(http.MethodPost, "/v1/retrieve", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *reached)
}

func TestOpenAPIValidation_UnknownRoutesPassThrough(t *testing.T) {
	e, reached := validationStack(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *reached)
}

func TestOpenAPIValidation_SkipsMultipartBodies(t *testing.T) {
	e, reached := validationStack(t)

	// No "file" part: the contract would reject it, but multipart is the
	// upload handler's job.
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("other", "value"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/knowledge-bases/"+uuid.NewString()+"/documents", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *reached)
}

func TestOpenAPIValidation_HandlerStillReadsBody(t *testing.T) {
	mw, err := httpapi.OpenAPIValidation(api.OpenAPISpec)
	require.NoError(t, err)

	e := echo.New()
	e.Use(mw)

	var seen []byte
	e.POST("/v1/knowledge-bases", func(c echo.Context) error {
		seen, _ = io.ReadAll(c.Request().Body)
		return c.NoContent(http.StatusCreated)
	})

	body := `{"name":"support-docs"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/knowledge-bases", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, body, string(seen), "validated body must be rewound for the handler")
}

func TestOpenAPIValidation_RejectsBrokenSpec(t *testing.T) {
	_, err := httpapi.OpenAPIValidation([]byte("{not yaml"))
	assert.Error(t, err)
}
