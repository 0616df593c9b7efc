//go:build integration

package ctrlstack_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// findProjectRoot walks up from the working directory to the go.mod.
func findProjectRoot(t *testing.T) string {
	t.Helper()
	cwd, err := os.Getwd()
	require.NoError(t, err)

	projectRoot := cwd
	for {
		if _, err := os.Stat(filepath.Join(projectRoot, "go.mod")); err == nil {
			return projectRoot
		}
		parent := filepath.Dir(projectRoot)
		if parent == projectRoot {
			t.Fatal("Could not find project root (go.mod)")
		}
		projectRoot = parent
	}
}

// buildExample compiles ./examples/<name> into a temporary directory.
func buildExample(t *testing.T, name string) string {
	t.Helper()
	projectRoot := findProjectRoot(t)
	binPath := filepath.Join(t.TempDir(), name)

	t.Logf("Building examples/%s to %s", name, binPath)
	buildCmd := exec.Command("go", "build", "-o", binPath, "./examples/"+name)
	buildCmd.Dir = projectRoot
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	require.NoError(t, buildCmd.Run(), "Failed to build example app")
	return binPath
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// cgiBody splits a CGI response into its header block and body.
func cgiBody(t *testing.T, output string) string {
	t.Helper()
	bodyIdx := strings.Index(output, "\r\n\r\n")
	require.Greater(t, bodyIdx, 0, "CGI output should contain header/body separator")
	return output[bodyIdx+4:]
}

// TestCtrlstackIntegration builds the calculator example and drives every adapter.
func TestCtrlstackIntegration(t *testing.T) {
	binPath := buildExample(t, "basic")

	t.Run("Help", func(t *testing.T) {
		out, err := exec.Command(binPath, "--help").CombinedOutput()
		require.NoError(t, err)
		assert.Contains(t, string(out), "Calculator v1.0.0")
		assert.Contains(t, string(out), "based on ctrlstack")
		assert.Contains(t, string(out), "Available Commands:")
		assert.Contains(t, string(out), "add")
	})

	t.Run("CLI", func(t *testing.T) {
		out, err := exec.Command(binPath, "add", "2", "3").Output()
		require.NoError(t, err)
		assert.Equal(t, "5\n", string(out))

		out, err = exec.Command(binPath, "divide", "9", "2").Output()
		require.NoError(t, err)
		assert.Equal(t, "4.5\n", string(out))

		cmd := exec.Command(binPath, "divide", "1", "0")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		assert.Error(t, cmd.Run())
		assert.Contains(t, stderr.String(), "division by zero")
	})

	t.Run("CGI", func(t *testing.T) {
		cmd := exec.Command(binPath, "cgi")
		cmd.Env = append(os.Environ(), "PATH_INFO=/query/add", "REQUEST_METHOD=GET", "QUERY_STRING=x=10&y=20")
		cmd.Stdin = strings.NewReader("")

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = os.Stderr
		require.NoError(t, cmd.Run())

		output := out.String()
		assert.Contains(t, output, "Status: 200 OK")
		assert.Equal(t, "30\n", cgiBody(t, output))
	})

	t.Run("CGI/Command", func(t *testing.T) {
		cmd := exec.Command(binPath, "cgi")
		input := `{"value": "7"}`
		cmd.Env = append(os.Environ(), "PATH_INFO=/cmd/store", "REQUEST_METHOD=POST",
			"CONTENT_TYPE=application/json", fmt.Sprintf("CONTENT_LENGTH=%d", len(input)))
		cmd.Stdin = strings.NewReader(input)

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = os.Stderr
		require.NoError(t, cmd.Run())

		output := out.String()
		assert.Contains(t, output, "Status: 200 OK")
		assert.Equal(t, "7\n", cgiBody(t, output))
	})

	t.Run("CGI/ErrorResponse", func(t *testing.T) {
		cmd := exec.Command(binPath, "cgi")
		cmd.Env = append(os.Environ(), "PATH_INFO=/query/add", "REQUEST_METHOD=GET", "QUERY_STRING=x=10")
		cmd.Stdin = strings.NewReader("")

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = os.Stderr
		require.NoError(t, cmd.Run())

		output := out.String()
		assert.Contains(t, output, "Status: 400 Bad Request")
		assert.Contains(t, output, "Content-Type: application/json")

		var parsed map[string]any
		require.NoError(t, json.Unmarshal([]byte(cgiBody(t, output)), &parsed), "CGI error body should be valid JSON")
		assert.Contains(t, parsed["error"], `"y"`, "error should name the missing argument")
	})

	t.Run("CGI/OpenAPI", func(t *testing.T) {
		cmd := exec.Command(binPath, "cgi")
		cmd.Env = append(os.Environ(), "PATH_INFO=/openapi.json", "REQUEST_METHOD=GET")
		cmd.Stdin = strings.NewReader("")

		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = os.Stderr
		require.NoError(t, cmd.Run())

		output := out.String()
		assert.Contains(t, output, "Status: 200 OK")
		assertValidOpenAPISpec(t, []byte(cgiBody(t, output)))
	})

	t.Run("Serve", func(t *testing.T) {
		port := freePort(t)
		base := fmt.Sprintf("http://localhost:%d", port)

		cmd := exec.Command(binPath, "serve", "--port", fmt.Sprint(port), "--api-key", "secret")
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		require.NoError(t, cmd.Start())
		defer func() {
			cmd.Process.Kill()
			cmd.Wait()
		}()

		require.Eventually(t, func() bool {
			resp, err := http.Get(base + "/openapi.json")
			if err != nil {
				return false
			}
			resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		}, 10*time.Second, 100*time.Millisecond, "server did not start")

		t.Run("Unauthorized", func(t *testing.T) {
			resp, err := http.Get(base + "/query/add?x=1&y=2")
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})

		t.Run("Query", func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, base+"/query/add?x=5&y=5", nil)
			require.NoError(t, err)
			req.Header.Set("X-API-Key", "secret")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusOK, resp.StatusCode)
			var result int
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
			assert.Equal(t, 10, result)
		})

		t.Run("ErrorResponse", func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, base+"/cmd/store", strings.NewReader("not json"))
			require.NoError(t, err)
			req.Header.Set("X-API-Key", "secret")
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, resp.Header.Get("Content-Type"), "application/json")

			var parsed map[string]any
			json.NewDecoder(resp.Body).Decode(&parsed)
			assert.Equal(t, "Invalid JSON body", parsed["error"])
		})

		t.Run("OpenAPI", func(t *testing.T) {
			resp, err := http.Get(base + "/openapi.json")
			require.NoError(t, err)
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assertValidOpenAPISpec(t, body)
		})
	})

	t.Run("MCP", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := mcp.NewClient(&mcp.Implementation{
			Name:    "test-client",
			Version: "1.0.0",
		}, nil)

		transport := &mcp.CommandTransport{
			Command: exec.Command(binPath, "mcp"),
		}
		session, err := client.Connect(ctx, transport, nil)
		require.NoError(t, err)
		defer session.Close()

		t.Run("ListTools", func(t *testing.T) {
			result, err := session.ListTools(ctx, nil)
			require.NoError(t, err)

			var addTool *mcp.Tool
			for _, tool := range result.Tools {
				if tool.Name == "query.add" {
					addTool = tool
				}
			}
			require.NotNil(t, addTool, "should find query.add tool")
			assert.Equal(t, "Adds two integers together", addTool.Description)
		})

		t.Run("CallTool", func(t *testing.T) {
			result, err := session.CallTool(ctx, &mcp.CallToolParams{
				Name:      "query.add",
				Arguments: map[string]any{"x": 7, "y": 3},
			})
			require.NoError(t, err)
			require.False(t, result.IsError, "tool call should not return an error")
			require.NotEmpty(t, result.Content)

			textContent, ok := result.Content[0].(*mcp.TextContent)
			require.True(t, ok, "content should be TextContent")
			assert.Equal(t, "10", textContent.Text)
		})

		t.Run("CallToolError", func(t *testing.T) {
			result, err := session.CallTool(ctx, &mcp.CallToolParams{
				Name:      "query.divide",
				Arguments: map[string]any{"x": 1, "y": 0},
			})
			require.NoError(t, err)
			require.True(t, result.IsError, "tool call should return an error")

			textContent, ok := result.Content[0].(*mcp.TextContent)
			require.True(t, ok)
			assert.Contains(t, textContent.Text, "division by zero")
		})
	})
}

// TestRemoteLocalServer builds the counter example, whose CLI starts and
// reuses a background server.
func TestRemoteLocalServer(t *testing.T) {
	binPath := buildExample(t, "remote")
	env := append(os.Environ(), "XDG_CACHE_HOME="+t.TempDir())

	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command(binPath, args...)
		cmd.Env = env
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, err := cmd.Output()
		require.NoError(t, err, stderr.String())
		return string(out)
	}
	t.Cleanup(func() { run("stop-local-server") })

	assert.Equal(t, "No local server is running.\n", run("get-server-status"))

	assert.Equal(t, "1\n", run("increment"))
	assert.Equal(t, "4\n", run("increment", "--by", "3"))
	assert.Equal(t, "4\n", run("get"), "state lives in the server")
	assert.Equal(t, "n=4\n", run("describe", "--prefix", "n="))

	assert.Contains(t, run("get-server-status"), "Local server is running on port")
	assert.Contains(t, run("stop-local-server"), "Stopped local server on port")
	assert.Equal(t, "No local server running.\n", run("stop-local-server"))
	assert.Equal(t, "No local server is running.\n", run("get-server-status"))

	assert.Equal(t, "1\n", run("increment"), "a fresh server starts from zero")
}

// assertValidOpenAPISpec validates the structure and content of an OpenAPI spec JSON.
func assertValidOpenAPISpec(t *testing.T, specJSON []byte) {
	t.Helper()

	var spec map[string]interface{}
	err := json.Unmarshal(specJSON, &spec)
	require.NoError(t, err, "OpenAPI spec should be valid JSON")

	assert.Equal(t, "3.0.0", spec["openapi"], "openapi version should be 3.0.0")

	info, ok := spec["info"].(map[string]interface{})
	require.True(t, ok, "info should be an object")
	assert.Equal(t, "Calculator", info["title"], "info.title should match app name")
	assert.Equal(t, "1.0.0", info["version"], "info.version should match app version")

	paths, ok := spec["paths"].(map[string]interface{})
	require.True(t, ok, "paths should be an object")

	add, ok := paths["/query/add"].(map[string]interface{})
	require.True(t, ok, "paths should contain /query/add")
	assert.Contains(t, add, "get")

	store, ok := paths["/cmd/store"].(map[string]interface{})
	require.True(t, ok, "paths should contain /cmd/store")
	assert.Contains(t, store, "post")
}
