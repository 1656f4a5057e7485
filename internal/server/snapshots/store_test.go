package snapshots

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_PutReplacesAndEvicts(t *testing.T) {
	s := NewStore(2)
	clock := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { clock = clock.Add(time.Second); return clock }

	s.Put("gate", []byte("a"), 1)
	s.Put("hall", []byte("b"), 0)
	s.Put("gate", []byte("c"), 2)
	require.Len(t, s.List(), 2)
	assert.Equal(t, []byte("c"), s.Get("gate").Data)

	// hall is now the oldest
	s.Put("yard", []byte("d"), 0)
	assert.Nil(t, s.Get("hall"))
	assert.NotNil(t, s.Get("gate"))
	assert.NotNil(t, s.Get("yard"))
}

func TestStore_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewStore(0)
	s.Put("gate", []byte{0xff, 0xd8}, 3)

	router := gin.New()
	s.RegisterRoutes(router.Group("/api"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/snapshots/gate", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, []byte{0xff, 0xd8}, w.Body.Bytes())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/snapshots/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/snapshots", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Count     int        `json:"count"`
		Snapshots []Snapshot `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, 3, body.Snapshots[0].Faces)
}
