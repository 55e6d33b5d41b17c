package session

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var gitlabMRPath = regexp.MustCompile(`^(.+)/-/merge_requests/(\d+)$`)

// ParseRequest turns raw operator text into a task kind and target
// reference. Supported shapes:
//
//	https://github.com/owner/repo/pull/42       -> pull request review
//	https://github.com/owner/repo               -> source review
//	https://gitlab.example.com/group/proj/-/merge_requests/7
//	https://gitlab.example.com/group/proj       -> source review
//
// Anything else is an InputError and the session stays in Collecting.
func ParseRequest(text string) (TaskKind, TargetRef, error) {
	raw := strings.TrimSpace(text)
	if raw == "" {
		return "", TargetRef{}, &InputError{Reason: "empty request"}
	}
	// Take the first URL-looking token so the operator can write a sentence
	// around the link.
	for _, tok := range strings.Fields(raw) {
		if strings.HasPrefix(tok, "http://") || strings.HasPrefix(tok, "https://") {
			raw = tok
			break
		}
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", TargetRef{}, &InputError{Reason: fmt.Sprintf("not a repository or pull request URL: %q", text)}
	}

	path := strings.Trim(u.Path, "/")
	host := hostKind(u.Host)

	if m := gitlabMRPath.FindStringSubmatch(path); m != nil {
		iid, err := strconv.Atoi(m[2])
		if err != nil || iid <= 0 {
			return "", TargetRef{}, &InputError{Reason: "merge request number must be a positive integer"}
		}
		owner, repo, err := splitProjectPath(m[1])
		if err != nil {
			return "", TargetRef{}, err
		}
		ref := TargetRef{Host: "gitlab", Owner: owner, Repo: repo, PullNumber: iid}
		return TaskPullRequestReview, ref, ref.Validate(TaskPullRequestReview)
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) >= 4 && parts[2] == "pull":
		n, err := strconv.Atoi(parts[3])
		if err != nil || n <= 0 {
			return "", TargetRef{}, &InputError{Reason: "pull request number must be a positive integer"}
		}
		ref := TargetRef{Host: host, Owner: parts[0], Repo: parts[1], PullNumber: n}
		return TaskPullRequestReview, ref, ref.Validate(TaskPullRequestReview)
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		ref := TargetRef{Host: host, Owner: parts[0], Repo: strings.TrimSuffix(parts[1], ".git")}
		return TaskSourceReview, ref, ref.Validate(TaskSourceReview)
	default:
		return "", TargetRef{}, &InputError{Reason: fmt.Sprintf("could not extract owner/repository from URL: %q", raw)}
	}
}

func hostKind(host string) string {
	h := strings.ToLower(host)
	switch {
	case h == "github.com" || h == "www.github.com":
		return "github"
	case strings.Contains(h, "gitlab"):
		return "gitlab"
	default:
		// Self-hosted instances default to the GitHub API shape.
		return "github"
	}
}

// splitProjectPath maps a GitLab project path (possibly nested groups) onto
// owner/repo: everything before the last segment is the owner namespace.
func splitProjectPath(projectPath string) (string, string, error) {
	idx := strings.LastIndex(projectPath, "/")
	if idx <= 0 || idx == len(projectPath)-1 {
		return "", "", &InputError{Reason: fmt.Sprintf("could not extract project from path %q", projectPath)}
	}
	return projectPath[:idx], projectPath[idx+1:], nil
}
