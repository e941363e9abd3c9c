// Package webhooktest provides webhook payload fixtures for tests.
package webhooktest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// SignSHA1 returns the x-hub-signature value for body.
func SignSHA1(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// GitHubPush is a push of sha to branch on acme/widget.
func GitHubPush(branch, sha string) []byte {
	return []byte(fmt.Sprintf(`{
  "ref": "refs/heads/%[1]s",
  "before": "0000000000000000000000000000000000000000",
  "after": "%[2]s",
  "deleted": false,
  "compare": "https://github.com/acme/widget/compare/abc...%[2]s",
  "head_commit": {
    "id": "%[2]s",
    "message": "Fix widget alignment\n\nLonger description.",
    "timestamp": "2024-03-01T10:00:00Z",
    "url": "https://github.com/acme/widget/commit/%[2]s",
    "author": {"name": "Jane Doe", "email": "jane@example.com"}
  },
  "repository": {
    "name": "widget",
    "full_name": "acme/widget",
    "owner": {"login": "acme", "name": "acme"},
    "html_url": "https://github.com/acme/widget",
    "clone_url": "https://github.com/acme/widget.git"
  },
  "sender": {"login": "jdoe", "avatar_url": "https://avatars.example.com/jdoe"}
}`, branch, sha))
}

// GitHubPullRequest is a pull request action from feature into base.
func GitHubPullRequest(action, base string, number int) []byte {
	return []byte(fmt.Sprintf(`{
  "action": "%[1]s",
  "number": %[3]d,
  "pull_request": {
    "number": %[3]d,
    "title": "Add gizmo",
    "body": "Adds the gizmo.",
    "html_url": "https://github.com/acme/widget/pull/%[3]d",
    "updated_at": "2024-03-02T11:00:00Z",
    "user": {"login": "jdoe", "avatar_url": "https://avatars.example.com/jdoe"},
    "head": {
      "ref": "feature/gizmo",
      "sha": "feedface",
      "repo": {
        "name": "widget",
        "full_name": "jdoe/widget",
        "owner": {"login": "jdoe"},
        "html_url": "https://github.com/jdoe/widget",
        "clone_url": "https://github.com/jdoe/widget.git"
      }
    },
    "base": {
      "ref": "%[2]s",
      "sha": "cafebabe",
      "repo": {
        "name": "widget",
        "full_name": "acme/widget",
        "owner": {"login": "acme"},
        "html_url": "https://github.com/acme/widget",
        "clone_url": "https://github.com/acme/widget.git"
      }
    }
  },
  "repository": {"name": "widget", "full_name": "acme/widget"},
  "sender": {"login": "jdoe"}
}`, action, base, number))
}

// GitHubPing is the payload GitHub sends when a hook is created.
func GitHubPing() []byte {
	return []byte(`{"zen": "Keep it logically awesome.", "hook_id": 1}`)
}

// BitBucketPush is a repo:push of hash to branch on acme/widget.
func BitBucketPush(branch, hash string) []byte {
	return []byte(fmt.Sprintf(`{
  "actor": {"username": "jdoe", "links": {"avatar": {"href": "https://avatars.example.com/jdoe"}}},
  "repository": {
    "name": "widget",
    "full_name": "acme/widget",
    "owner": {"username": "acme"},
    "links": {"html": {"href": "https://bitbucket.org/acme/widget"}}
  },
  "push": {
    "changes": [{
      "new": {
        "type": "branch",
        "name": "%[1]s",
        "target": {
          "hash": "%[2]s",
          "message": "Tidy build\n",
          "date": "2024-03-01T10:00:00+00:00",
          "author": {"raw": "Jane Doe <jane@example.com>"},
          "links": {"html": {"href": "https://bitbucket.org/acme/widget/commits/%[2]s"}}
        }
      },
      "links": {"html": {"href": "https://bitbucket.org/acme/widget/branches/compare/%[2]s"}}
    }]
  }
}`, branch, hash))
}

// BitBucketPullRequest is a pull request event targeting destination.
func BitBucketPullRequest(destination string, id int) []byte {
	return []byte(fmt.Sprintf(`{
  "actor": {"username": "jdoe"},
  "repository": {
    "name": "widget",
    "full_name": "acme/widget",
    "links": {"html": {"href": "https://bitbucket.org/acme/widget"}}
  },
  "pullrequest": {
    "id": %[2]d,
    "title": "Add gizmo",
    "description": "Adds the gizmo.",
    "updated_on": "2024-03-02T11:00:00+00:00",
    "author": {"username": "jdoe", "links": {"avatar": {"href": "https://avatars.example.com/jdoe"}}},
    "links": {"html": {"href": "https://bitbucket.org/acme/widget/pull-requests/%[2]d"}},
    "source": {
      "branch": {"name": "feature/gizmo"},
      "commit": {"hash": "feedface"},
      "repository": {"name": "widget", "full_name": "jdoe/widget", "links": {"html": {"href": "https://bitbucket.org/jdoe/widget"}}}
    },
    "destination": {
      "branch": {"name": "%[1]s"},
      "commit": {"hash": "cafebabe"},
      "repository": {"name": "widget", "full_name": "acme/widget", "links": {"html": {"href": "https://bitbucket.org/acme/widget"}}}
    }
  }
}`, destination, id))
}
