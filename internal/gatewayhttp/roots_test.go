package gatewayhttp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestURIToLocalPathUnix(t *testing.T) {
	path, ok := uriToLocalPath("file:///home/user/projects")
	require.True(t, ok)
	require.Equal(t, "/home/user/projects", path)
}

func TestURIToLocalPathWithSpaces(t *testing.T) {
	path, ok := uriToLocalPath("file:///home/user/my%20projects")
	require.True(t, ok)
	require.Equal(t, "/home/user/my projects", path)
}

func TestURIToLocalPathInvalidScheme(t *testing.T) {
	_, ok := uriToLocalPath("http://example.com")
	require.False(t, ok)
}

func TestURIToLocalPathEmpty(t *testing.T) {
	_, ok := uriToLocalPath("")
	require.False(t, ok)
}

func TestURIToLocalPathUnicode(t *testing.T) {
	path, ok := uriToLocalPath("file:///home/user/%E9%A1%B9%E7%9B%AE")
	require.True(t, ok)
	require.Equal(t, "/home/user/项目", path)
}

// A literal "%" in the path must survive a single decode pass unchanged;
// double-unescaping would either mangle it or reject it outright as a
// malformed escape.
func TestURIToLocalPathLiteralPercent(t *testing.T) {
	path, ok := uriToLocalPath("file:///tmp/100%25valid/file.txt")
	require.True(t, ok)
	require.Equal(t, "/tmp/100%valid/file.txt", path)
}

func TestURIToLocalPathNonLocalHost(t *testing.T) {
	path, ok := uriToLocalPath("file://fileserver/share/doc.txt")
	require.True(t, ok)
	require.Equal(t, "//fileserver/share/doc.txt", path)
}

func TestURIToLocalPathUnparseable(t *testing.T) {
	_, ok := uriToLocalPath("file://%zz")
	require.False(t, ok)
}
