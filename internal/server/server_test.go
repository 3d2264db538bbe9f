package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"keepsake/internal/blob"
	"keepsake/internal/files"
	"keepsake/internal/users"
)

// newTestServer creates a Server backed by a temporary filesystem blob store.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store := blob.NewLocalStore(t.TempDir())

	srv := New(Config{
		Files: files.NewService(store, "https://cdn.example.com"),
		Users: users.NewService(store, []byte("test-secret"), time.Hour),
	})

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return httpSrv
}

// multipartBody builds a multipart upload body with a username field and a
// file part, returning the body and the content type header value.
func multipartBody(t *testing.T, username, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	require.NoError(t, w.WriteField("username", username), "writing username field")

	part, err := w.CreateFormFile("file", filename)
	require.NoError(t, err, "creating file part")
	_, err = part.Write(data)
	require.NoError(t, err, "writing file data")

	require.NoError(t, w.Close(), "closing multipart writer")
	return &buf, w.FormDataContentType()
}

// decodeBody decodes a JSON response body into a generic map.
func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body), "decoding response body")
	return body
}

func TestUploadListDelete(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	// Upload via multipart
	buf, contentType := multipartBody(t, "alice", "vacation photo.jpg", []byte("jpegdata"))
	resp, err := client.Post(httpSrv.URL+"/files", contentType, buf)
	require.NoError(t, err, "POST /files error")
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST /files status")

	body := decodeBody(t, resp)
	require.Equal(t, "file uploaded successfully", body["message"])
	require.Contains(t, body["filename"], "vacation_photo", "sanitized filename")
	require.Contains(t, body["url"], "https://cdn.example.com/files/alice/", "public URL")
	require.Equal(t, "8.0 B", body["size"])

	// List
	resp, err = client.Get(httpSrv.URL + "/files?username=alice")
	require.NoError(t, err, "GET /files error")
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET /files status")

	body = decodeBody(t, resp)
	require.Equal(t, float64(1), body["count"])
	records := body["files"].([]any)
	record := records[0].(map[string]any)
	require.Equal(t, "vacation photo.jpg", record["name"], "display name keeps original characters")
	require.Equal(t, "image/jpeg", record["type"])

	// Delete by display name
	req, err := http.NewRequest(http.MethodDelete, httpSrv.URL+"/files?username=alice&filename="+url.QueryEscape("vacation photo.jpg"), nil)
	require.NoError(t, err, "creating DELETE request")
	resp, err = client.Do(req)
	require.NoError(t, err, "DELETE /files error")
	require.Equal(t, http.StatusOK, resp.StatusCode, "DELETE /files status")

	body = decodeBody(t, resp)
	require.Equal(t, "file deleted successfully", body["message"])

	// List is empty again
	resp, err = client.Get(httpSrv.URL + "/files?username=alice")
	require.NoError(t, err, "GET /files after delete error")
	body = decodeBody(t, resp)
	require.Equal(t, float64(0), body["count"])
}

func TestUploadJSONBody(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	payload := map[string]string{
		"key":      base64.StdEncoding.EncodeToString([]byte("pngdata")),
		"username": "bob",
		"filename": "avatar.png",
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err, "marshaling upload payload")

	resp, err := client.Post(httpSrv.URL+"/files", "application/json", bytes.NewReader(raw))
	require.NoError(t, err, "POST /files error")
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST /files status")

	body := decodeBody(t, resp)
	require.Equal(t, "file uploaded successfully", body["message"])
	require.Contains(t, body["filename"], "avatar", "generated filename")
}

func TestUploadErrors(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{name: "unsupported content type", contentType: "text/plain", body: "hello", status: http.StatusBadRequest},
		{name: "invalid json", contentType: "application/json", body: "{not json", status: http.StatusBadRequest},
		{name: "missing fields", contentType: "application/json", body: `{"key":""}`, status: http.StatusBadRequest},
		{name: "bad base64", contentType: "application/json", body: `{"key":"???","username":"alice"}`, status: http.StatusBadRequest},
		{name: "bad multipart", contentType: "multipart/form-data", body: "garbage", status: http.StatusBadRequest},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp, err := client.Post(httpSrv.URL+"/files", tc.contentType, strings.NewReader(tc.body))
			require.NoError(t, err, "POST /files error")
			resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode, "POST /files status")
		})
	}
}

func TestListRequiresUsername(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)

	resp, err := httpSrv.Client().Get(httpSrv.URL + "/files")
	require.NoError(t, err, "GET /files error")
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "GET /files status")
}

func TestDeleteMissingFile(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	req, err := http.NewRequest(http.MethodDelete, httpSrv.URL+"/files?username=alice&filename=ghost.jpg", nil)
	require.NoError(t, err, "creating DELETE request")
	resp, err := client.Do(req)
	require.NoError(t, err, "DELETE /files error")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "DELETE /files status")

	body := decodeBody(t, resp)
	require.Equal(t, "file not found", body["message"])
}

// renameBody issues PUT /files and returns the decoded response.
func renameBody(t *testing.T, client *http.Client, baseURL, username, oldName, newName string) (*http.Response, map[string]any) {
	t.Helper()

	raw, err := json.Marshal(map[string]string{
		"username": username,
		"oldName":  oldName,
		"newName":  newName,
	})
	require.NoError(t, err, "marshaling rename payload")

	req, err := http.NewRequest(http.MethodPut, baseURL+"/files", bytes.NewReader(raw))
	require.NoError(t, err, "creating PUT request")
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	require.NoError(t, err, "PUT /files error")
	return resp, decodeBody(t, resp)
}

func TestRenameFile(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	buf, contentType := multipartBody(t, "alice", "old.jpg", []byte("jpegdata"))
	resp, err := client.Post(httpSrv.URL+"/files", contentType, buf)
	require.NoError(t, err, "POST /files error")
	uploaded := decodeBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "POST /files status")

	resp, body := renameBody(t, client, httpSrv.URL, "alice", "old.jpg", "new.jpg")
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT /files status")
	require.Equal(t, "success", body["status"])
	require.Equal(t, "file renamed successfully", body["message"])

	data := body["data"].(map[string]any)
	require.Equal(t, "old.jpg", data["oldName"])
	require.Equal(t, "new.jpg", data["newName"])
	require.NotEqual(t, uploaded["url"], data["newUrl"], "URL changes with the storage key")

	// The old name no longer resolves
	resp, body = renameBody(t, client, httpSrv.URL, "alice", "old.jpg", "other.jpg")
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "PUT /files status after rename")
	require.Equal(t, "error", body["status"])
}

func TestRenameErrors(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	buf, contentType := multipartBody(t, "alice", "a.jpg", []byte("jpegdata"))
	resp, err := client.Post(httpSrv.URL+"/files", contentType, buf)
	require.NoError(t, err, "POST /files error")
	resp.Body.Close()

	buf, contentType = multipartBody(t, "alice", "b.jpg", []byte("jpegdata"))
	resp, err = client.Post(httpSrv.URL+"/files", contentType, buf)
	require.NoError(t, err, "POST /files error")
	resp.Body.Close()

	tests := []struct {
		name     string
		username string
		oldName  string
		newName  string
		status   int
	}{
		{name: "missing username", username: "", oldName: "a.jpg", newName: "c.jpg", status: http.StatusBadRequest},
		{name: "missing old name", username: "alice", oldName: "", newName: "c.jpg", status: http.StatusBadRequest},
		{name: "missing new name", username: "alice", oldName: "a.jpg", newName: "", status: http.StatusBadRequest},
		{name: "same name", username: "alice", oldName: "a.jpg", newName: "a.jpg", status: http.StatusBadRequest},
		{name: "reserved name", username: "alice", oldName: "a.jpg", newName: "CON", status: http.StatusBadRequest},
		{name: "conflict", username: "alice", oldName: "a.jpg", newName: "b.jpg", status: http.StatusConflict},
		{name: "unknown user", username: "eve", oldName: "a.jpg", newName: "c.jpg", status: http.StatusNotFound},
		{name: "unknown file", username: "alice", oldName: "ghost.jpg", newName: "c.jpg", status: http.StatusNotFound},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			resp, body := renameBody(t, client, httpSrv.URL, tc.username, tc.oldName, tc.newName)
			require.Equal(t, tc.status, resp.StatusCode, "PUT /files status")
			require.Equal(t, "error", body["status"])
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, httpSrv.URL+"/files", nil)
	require.NoError(t, err, "creating OPTIONS request")
	resp, err := httpSrv.Client().Do(req)
	require.NoError(t, err, "OPTIONS /files error")
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode, "OPTIONS /files status")
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PUT")
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()

	httpSrv := newTestServer(t)
	client := httpSrv.Client()

	raw, err := json.Marshal(map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "secret123",
	})
	require.NoError(t, err, "marshaling register payload")

	resp, err := client.Post(httpSrv.URL+"/users/register", "application/json", bytes.NewReader(raw))
	require.NoError(t, err, "POST /users/register error")
	require.Equal(t, http.StatusCreated, resp.StatusCode, "register status")

	body := decodeBody(t, resp)
	require.Equal(t, "alice", body["username"])

	// Duplicate registration conflicts
	resp, err = client.Post(httpSrv.URL+"/users/register", "application/json", bytes.NewReader(raw))
	require.NoError(t, err, "POST /users/register error")
	resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode, "duplicate register status")

	// Login with the right password
	raw, err = json.Marshal(map[string]string{"username": "alice", "password": "secret123"})
	require.NoError(t, err, "marshaling login payload")

	resp, err = client.Post(httpSrv.URL+"/users/login", "application/json", bytes.NewReader(raw))
	require.NoError(t, err, "POST /users/login error")
	require.Equal(t, http.StatusOK, resp.StatusCode, "login status")

	body = decodeBody(t, resp)
	require.Equal(t, "alice", body["username"])
	require.Equal(t, "user", body["role"])
	require.NotEmpty(t, body["token"], "JWT token")

	// Wrong password is unauthorized
	raw, err = json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	require.NoError(t, err, "marshaling login payload")

	resp, err = client.Post(httpSrv.URL+"/users/login", "application/json", bytes.NewReader(raw))
	require.NoError(t, err, "POST /users/login error")
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "wrong password status")
}
