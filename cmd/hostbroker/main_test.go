package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/errors"
)

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("STORAGE_TYPE", "memory")

	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunRequiresOperation(t *testing.T) {
	code, stdout, stderr := runCLI(t, "")
	assert.Equal(t, errors.ExitUserError, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "usage:")
}

func TestRunListsTemplates(t *testing.T) {
	code, stdout, _ := runCLI(t, "", "getAvailableTemplates", "{}")
	require.Equal(t, errors.ExitOK, code)

	var response map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(stdout), &response))
	assert.Contains(t, response, "templates")
}

func TestRunReadsPayloadFromStdin(t *testing.T) {
	code, stdout, _ := runCLI(t, "{}", "getAvailableTemplates")
	require.Equal(t, errors.ExitOK, code)
	assert.Contains(t, stdout, "templates")
}

func TestRunRejectsUnknownOperation(t *testing.T) {
	code, stdout, stderr := runCLI(t, "", "drainMachines", "{}")
	assert.Equal(t, errors.ExitValidation, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "unsupported scheduler operation")
}

func TestRunMapsNotFoundToUserError(t *testing.T) {
	code, _, _ := runCLI(t, "", "getRequestStatus", `{"requestId":"req-00000000-0000-0000-0000-000000000000"}`)
	assert.Equal(t, errors.ExitUserError, code)
}

func TestRunRejectsInvalidRequestPayload(t *testing.T) {
	code, _, _ := runCLI(t, "", "requestMachines", `{"templateId":"","maxNumber":0}`)
	assert.Equal(t, errors.ExitValidation, code)
}
