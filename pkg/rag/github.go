package rag

import (
	"fmt"
	"net/url"
	"regexp"
)

// githubBlobTreePattern matches GitHub blob or tree URLs.
// Format: https://github.com/{owner}/{repo}/{blob|tree}/{ref}/{path...}
var githubBlobTreePattern = regexp.MustCompile(`^/([^/]+)/([^/]+)/(blob|tree)/([^/]+)(?:/(.*))?$`)

// NormalizeGitHubURL converts a GitHub blob or tree URL to its raw
// content URL, so ingesting a browser link fetches the file body instead
// of the HTML viewer page. Returns the URL unchanged if already raw or
// not a recognized GitHub URL.
func NormalizeGitHubURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if parsed.Host == "raw.githubusercontent.com" {
		return rawURL
	}
	if parsed.Host != "github.com" && parsed.Host != "www.github.com" {
		return rawURL
	}

	matches := githubBlobTreePattern.FindStringSubmatch(parsed.Path)
	if matches == nil {
		return rawURL
	}

	owner := matches[1]
	repo := matches[2]
	// matches[3] is "blob" or "tree"
	ref := matches[4]
	path := matches[5]

	return fmt.Sprintf("https://raw.githubusercontent.com/%s/%s/refs/heads/%s/%s",
		owner, repo, ref, path)
}
