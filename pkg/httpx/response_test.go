package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondError(t *testing.T) {
	w := httptest.NewRecorder()
	RespondError(w, http.StatusBadGateway, errors.New("upstream down"))

	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"success":false,"error":"upstream down"}`, w.Body.String())
}

func TestRespondSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	RespondSuccess(w, map[string]any{"device_id": "dev1", "metrics": nil})

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"success":true,"device_id":"dev1","metrics":null}`, w.Body.String())
}
