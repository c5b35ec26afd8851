// Package gitclient talks to Git remotes with go-git. Every operation clones
// into memory, so nothing touches local disk.
package gitclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"golang.org/x/oauth2"

	"github.com/vipul43/gitsync-worker/internal/models"
	"github.com/vipul43/gitsync-worker/internal/service"
)

const remoteName = "origin"

type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
}

func NewClient(clientID, clientSecret, tokenURL string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     tokenURL,
	}
}

// CommitAndPush applies req.Changes on top of the remote branch, commits them and pushes the result
func (c *Client) CommitAndPush(ctx context.Context, remote service.GitRemote, req service.CommitRequest) (*service.CommitResult, error) {
	repo, err := c.cloneOrInit(ctx, remote)
	if err != nil {
		return nil, err
	}

	result, err := commitChanges(repo, req, time.Now())
	if err != nil {
		return nil, err
	}
	if result.NoChanges {
		return result, nil
	}

	refSpec := config.RefSpec(fmt.Sprintf("%s:%s", branchRef(remote.Branch), branchRef(remote.Branch)))
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		RefSpecs:   []config.RefSpec{refSpec},
		Auth:       auth(remote),
		Force:      req.ForcePush,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, fmt.Errorf("failed to push to %s: %w", remote.Branch, err)
	}

	slog.Debug("pushed commit", "branch", remote.Branch, "commit_id", result.CommitID, "previous_head", result.PreviousHead)
	return result, nil
}

// Diff returns the file changes between two commits of the remote branch.
// An empty fromCommit diffs against the empty tree; an empty toCommit means the branch head.
func (c *Client) Diff(ctx context.Context, remote service.GitRemote, fromCommit, toCommit string) (*service.DiffResult, error) {
	repo, err := c.clone(ctx, remote)
	if err != nil {
		return nil, err
	}
	return diffCommits(ctx, repo, fromCommit, toCommit)
}

// RefreshAccessToken refreshes the OAuth2 access token of a connector
func (c *Client) RefreshAccessToken(ctx context.Context, refreshToken string) (*service.TokenRefreshResult, error) {
	if c.tokenURL == "" {
		return nil, fmt.Errorf("token refresh is not configured")
	}

	cfg := &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL: c.tokenURL,
		},
	}

	newToken, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	result := &service.TokenRefreshResult{
		AccessToken:  newToken.AccessToken,
		ExpiresAt:    newToken.Expiry,
		RefreshToken: refreshToken,
	}
	if newToken.RefreshToken != "" {
		result.RefreshToken = newToken.RefreshToken
	}
	return result, nil
}

func (c *Client) clone(ctx context.Context, remote service.GitRemote) (*git.Repository, error) {
	repo, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           remote.URL,
		Auth:          auth(remote),
		RemoteName:    remoteName,
		ReferenceName: branchRef(remote.Branch),
		SingleBranch:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clone %s: %w", remote.URL, err)
	}
	return repo, nil
}

// cloneOrInit clones the remote branch, or starts an empty repository when the remote has no commits yet
func (c *Client) cloneOrInit(ctx context.Context, remote service.GitRemote) (*git.Repository, error) {
	repo, err := c.clone(ctx, remote)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, err
	}

	repo, err = initRepository(remote.Branch)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{remote.URL}}); err != nil {
		return nil, fmt.Errorf("failed to add remote: %w", err)
	}
	return repo, nil
}

func initRepository(branch string) (*git.Repository, error) {
	repo, err := git.Init(memory.NewStorage(), memfs.New())
	if err != nil {
		return nil, fmt.Errorf("failed to init repository: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef(branch))); err != nil {
		return nil, fmt.Errorf("failed to point HEAD at %s: %w", branch, err)
	}
	return repo, nil
}

// commitChanges checks the expected head, writes the changes to the worktree and commits them
func commitChanges(repo *git.Repository, req service.CommitRequest, when time.Time) (*service.CommitResult, error) {
	previous := ""
	head, err := repo.Head()
	switch {
	case err == nil:
		previous = head.Hash().String()
	case errors.Is(err, plumbing.ErrReferenceNotFound):
	default:
		return nil, fmt.Errorf("failed to resolve head: %w", err)
	}

	if req.ExpectedHead != "" && req.ExpectedHead != previous {
		return nil, fmt.Errorf("%w: expected %s, remote is at %s", service.ErrHeadMoved, req.ExpectedHead, previous)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := ApplyChanges(wt, req.Changes); err != nil {
		return nil, err
	}

	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		return &service.CommitResult{CommitID: previous, PreviousHead: previous, NoChanges: true}, nil
	}

	hash, err := wt.Commit(req.Message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  req.AuthorName,
			Email: req.AuthorEmail,
			When:  when,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &service.CommitResult{CommitID: hash.String(), PreviousHead: previous}, nil
}

// ApplyChanges writes file changes into the worktree and stages them
func ApplyChanges(wt *git.Worktree, changes []models.FileChange) error {
	for _, change := range changes {
		switch change.ChangeType {
		case models.ChangeTypeDelete:
			if err := removeFile(wt, change.FilePath); err != nil {
				return err
			}
		case models.ChangeTypeRename:
			if err := removeFile(wt, change.OldFilePath); err != nil {
				return err
			}
			if err := writeFile(wt, change.FilePath, change.FileContent); err != nil {
				return err
			}
		case models.ChangeTypeAdd, models.ChangeTypeModify:
			if err := writeFile(wt, change.FilePath, change.FileContent); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown change type %q for %s", change.ChangeType, change.FilePath)
		}
	}
	return nil
}

func writeFile(wt *git.Worktree, filePath, content string) error {
	if dir := path.Dir(filePath); dir != "." {
		if err := wt.Filesystem.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := util.WriteFile(wt.Filesystem, filePath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filePath, err)
	}
	if _, err := wt.Add(filePath); err != nil {
		return fmt.Errorf("failed to stage %s: %w", filePath, err)
	}
	return nil
}

// removeFile deletes and unstages a file; a missing file is not an error
func removeFile(wt *git.Worktree, filePath string) error {
	if _, err := wt.Filesystem.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", filePath, err)
	}
	if _, err := wt.Remove(filePath); err != nil {
		return fmt.Errorf("failed to remove %s: %w", filePath, err)
	}
	return nil
}

// diffCommits lists the changed files between two commits of repo
func diffCommits(ctx context.Context, repo *git.Repository, fromCommit, toCommit string) (*service.DiffResult, error) {
	var toHash plumbing.Hash
	if toCommit == "" {
		head, err := repo.Head()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve head: %w", err)
		}
		toHash = head.Hash()
	} else {
		toHash = plumbing.NewHash(toCommit)
	}

	toTree, err := commitTree(repo, toHash)
	if err != nil {
		return nil, err
	}

	var fromTree *object.Tree
	if fromCommit != "" {
		fromTree, err = commitTree(repo, plumbing.NewHash(fromCommit))
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			slog.Warn("base commit not in history, diffing against empty tree", "commit_id", fromCommit)
			fromTree, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	changes, err := object.DiffTreeWithOptions(ctx, fromTree, toTree, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to diff trees: %w", err)
	}

	result := &service.DiffResult{FromCommit: fromCommit, ToCommit: toHash.String()}
	for _, change := range changes {
		fileChange, err := toFileChange(change)
		if err != nil {
			return nil, err
		}
		result.Changes = append(result.Changes, fileChange)
	}
	return result, nil
}

func commitTree(repo *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree of %s: %w", hash, err)
	}
	return tree, nil
}

func toFileChange(change *object.Change) (models.FileChange, error) {
	action, err := change.Action()
	if err != nil {
		return models.FileChange{}, fmt.Errorf("failed to classify change: %w", err)
	}
	_, to, err := change.Files()
	if err != nil {
		return models.FileChange{}, fmt.Errorf("failed to load changed files: %w", err)
	}

	fileChange := models.FileChange{FilePath: change.To.Name}
	switch action {
	case merkletrie.Insert:
		fileChange.ChangeType = models.ChangeTypeAdd
	case merkletrie.Delete:
		fileChange.FilePath = change.From.Name
		fileChange.ChangeType = models.ChangeTypeDelete
		return fileChange, nil
	case merkletrie.Modify:
		fileChange.ChangeType = models.ChangeTypeModify
		if change.From.Name != change.To.Name {
			fileChange.ChangeType = models.ChangeTypeRename
			fileChange.OldFilePath = change.From.Name
		}
	}

	content, err := to.Contents()
	if err != nil {
		return models.FileChange{}, fmt.Errorf("failed to read %s: %w", change.To.Name, err)
	}
	fileChange.FileContent = content
	return fileChange, nil
}

func branchRef(branch string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(branch)
}

func auth(remote service.GitRemote) transport.AuthMethod {
	if remote.AccessToken == "" {
		return nil
	}
	username := remote.Username
	if username == "" {
		username = "x-access-token"
	}
	return &githttp.BasicAuth{Username: username, Password: remote.AccessToken}
}
