package services

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// Commit is a single commit as reported by the source control service.
type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name string `json:"name"`
	} `json:"author"`
}

// GitService exposes the source control queries the hub depends on.
type GitService interface {
	// Manifests returns the build manifests present at the head of the
	// repository, keyed by file name. An empty map means the repository is
	// not set up for builds.
	Manifests(ctx context.Context, actingUser, owner, repoName string) (map[string]string, error)
	// Log returns the commits reachable from newSHA but not from oldSHA,
	// newest first.
	Log(ctx context.Context, actingUser, owner, repoName, oldSHA, newSHA string) ([]Commit, error)
}

type gitClient struct {
	client *Client
}

// NewGitService constructs a client for the source control service.
func NewGitService(client *Client) GitService {
	return &gitClient{client: client}
}

const manifestsQuery = `
query Manifests($username: String!, $repoName: String!) {
	user(username: $username) {
		repository(name: $repoName) {
			multiple: path(path: ".builds") {
				object {
					... on Tree {
						entries {
							results { name object { ... on TextBlob { text } } }
						}
					}
				}
			}
			singleYml: path(path: ".build.yml") {
				object { ... on TextBlob { text } }
			}
			singleYaml: path(path: ".build.yaml") {
				object { ... on TextBlob { text } }
			}
		}
	}
}`

type manifestsResponse struct {
	User struct {
		Repository *struct {
			Multiple *struct {
				Object struct {
					Entries struct {
						Results []struct {
							Name   string `json:"name"`
							Object struct {
								Text string `json:"text"`
							} `json:"object"`
						} `json:"results"`
					} `json:"entries"`
				} `json:"object"`
			} `json:"multiple"`
			SingleYml *struct {
				Object struct {
					Text string `json:"text"`
				} `json:"object"`
			} `json:"singleYml"`
			SingleYaml *struct {
				Object struct {
					Text string `json:"text"`
				} `json:"object"`
			} `json:"singleYaml"`
		} `json:"repository"`
	} `json:"user"`
}

func (g *gitClient) Manifests(ctx context.Context, actingUser, owner, repoName string) (map[string]string, error) {
	variables := map[string]interface{}{
		"username": strings.TrimPrefix(owner, "~"),
		"repoName": repoName,
	}
	var response manifestsResponse
	if err := g.client.Do(ctx, actingUser, manifestsQuery, variables, &response); err != nil {
		return nil, err
	}
	repo := response.User.Repository
	if repo == nil {
		return nil, fmt.Errorf("services: repository %s/%s not found", owner, repoName)
	}

	// A .builds directory takes precedence over a top-level manifest,
	// even when it holds no usable manifests.
	manifests := make(map[string]string)
	switch {
	case repo.Multiple != nil:
		for _, entry := range repo.Multiple.Object.Entries.Results {
			ext := path.Ext(entry.Name)
			if ext != ".yml" && ext != ".yaml" {
				continue
			}
			manifests[entry.Name] = entry.Object.Text
		}
	case repo.SingleYml != nil:
		manifests[".build.yml"] = repo.SingleYml.Object.Text
	case repo.SingleYaml != nil:
		manifests[".build.yaml"] = repo.SingleYaml.Object.Text
	}
	return manifests, nil
}

const logQuery = `
query Log($username: String!, $repoName: String!, $from: String!) {
	user(username: $username) {
		repository(name: $repoName) {
			log(from: $from) {
				results {
					... on Commit {
						id
						message
						author { name }
					}
				}
			}
		}
	}
}`

type logResponse struct {
	User struct {
		Repository *struct {
			Log struct {
				Results []Commit `json:"results"`
			} `json:"log"`
		} `json:"repository"`
	} `json:"user"`
}

func (g *gitClient) Log(ctx context.Context, actingUser, owner, repoName, oldSHA, newSHA string) ([]Commit, error) {
	variables := map[string]interface{}{
		"username": strings.TrimPrefix(owner, "~"),
		"repoName": repoName,
		"from":     newSHA,
	}
	var response logResponse
	if err := g.client.Do(ctx, actingUser, logQuery, variables, &response); err != nil {
		return nil, err
	}
	if response.User.Repository == nil {
		return nil, fmt.Errorf("services: repository %s/%s not found", owner, repoName)
	}

	// The log walks back from the new head; stop at the previous head so
	// only the freshly pushed commits remain.
	commits := make([]Commit, 0, len(response.User.Repository.Log.Results))
	for _, commit := range response.User.Repository.Log.Results {
		if commit.ID == oldSHA {
			break
		}
		commits = append(commits, commit)
	}
	return commits, nil
}
