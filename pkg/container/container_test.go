package container

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePortNumber(t *testing.T) {
	require.Equal(t, 8080, parsePortNumber("8080/tcp"))
	require.Equal(t, 33000, parsePortNumber("33000"))
}

func TestAdapter_QualifiedName(t *testing.T) {
	a := &Adapter{runtime: RuntimeDocker, namePrefix: NamePrefix}
	require.Equal(t, "framerelay-alpha", a.qualifiedName("alpha"))
	require.Equal(t, "framerelay-alpha", a.qualifiedName("framerelay-alpha"))
}

func testAdapter() *Adapter {
	return &Adapter{
		runtime:    RuntimeDocker,
		namePrefix: NamePrefix,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBuildCreateArgs_CredentialMountPresent(t *testing.T) {
	orig := statHostPath
	defer func() { statHostPath = orig }()
	statHostPath = func(string) (os.FileInfo, error) { return nil, nil }

	a := testAdapter()
	args := a.buildCreateArgs(CreateOptions{
		Name:                    "alpha",
		Image:                   "framerelay/frame:latest",
		WorkspaceHostPath:       "/ws",
		WorkspaceContainerPath:  "/workspace",
		CredentialHostPath:      "/home/user/.config/framerelay/creds",
		CredentialContainerPath: "/home/frame/.credentials",
	})
	require.Contains(t, args, "-v")
	require.Contains(t, args, "/home/user/.config/framerelay/creds:/home/frame/.credentials:ro")
}

func TestBuildCreateArgs_CredentialMountMissingIsSkipped(t *testing.T) {
	orig := statHostPath
	defer func() { statHostPath = orig }()
	statHostPath = func(string) (os.FileInfo, error) { return nil, errors.New("no such file or directory") }

	a := testAdapter()
	args := a.buildCreateArgs(CreateOptions{
		Name:                    "alpha",
		Image:                   "framerelay/frame:latest",
		WorkspaceHostPath:       "/ws",
		WorkspaceContainerPath:  "/workspace",
		CredentialHostPath:      "/home/user/.config/framerelay/creds",
		CredentialContainerPath: "/home/frame/.credentials",
	})
	for _, arg := range args {
		require.NotContains(t, arg, "/home/frame/.credentials")
	}
}

func TestBuildCreateArgs_NoCredentialConfigured(t *testing.T) {
	a := testAdapter()
	args := a.buildCreateArgs(CreateOptions{
		Name:                   "alpha",
		Image:                  "framerelay/frame:latest",
		WorkspaceHostPath:      "/ws",
		WorkspaceContainerPath: "/workspace",
	})
	for _, arg := range args {
		require.NotContains(t, arg, ":ro")
	}
}
