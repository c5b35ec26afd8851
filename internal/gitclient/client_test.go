package gitclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5/util"
	"github.com/go-git/go-git/v5"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/gitsync-worker/internal/models"
	"github.com/vipul43/gitsync-worker/internal/service"
)

var commitTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func commit(t *testing.T, repo *git.Repository, expectedHead string, changes ...models.FileChange) *service.CommitResult {
	t.Helper()
	result, err := commitChanges(repo, service.CommitRequest{
		Changes:      changes,
		Message:      "test commit",
		AuthorName:   "gitsync-worker",
		AuthorEmail:  "gitsync@example.com",
		ExpectedHead: expectedHead,
	}, commitTime)
	require.NoError(t, err)
	return result
}

func readFile(t *testing.T, repo *git.Repository, path string) string {
	t.Helper()
	wt, err := repo.Worktree()
	require.NoError(t, err)
	data, err := util.ReadFile(wt.Filesystem, path)
	require.NoError(t, err)
	return string(data)
}

func TestCommitChanges_FirstCommitOnEmptyRepository(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)

	result := commit(t, repo, "",
		models.FileChange{FilePath: "pipelines/build.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "name: build\n"},
	)
	assert.False(t, result.NoChanges)
	assert.Empty(t, result.PreviousHead)
	assert.Len(t, result.CommitID, 40)

	head, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, "refs/heads/main", head.Name().String())
	assert.Equal(t, result.CommitID, head.Hash().String())
	assert.Equal(t, "name: build\n", readFile(t, repo, "pipelines/build.yaml"))
}

func TestCommitChanges_ExpectedHeadMismatch(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	commit(t, repo, "", models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "a: 1"})

	_, err = commitChanges(repo, service.CommitRequest{
		Changes:      []models.FileChange{{FilePath: "a.yaml", ChangeType: models.ChangeTypeModify, FileContent: "a: 2"}},
		Message:      "update",
		ExpectedHead: "0000000000000000000000000000000000000001",
	}, commitTime)
	require.Error(t, err)
	assert.True(t, errors.Is(err, service.ErrHeadMoved))
}

func TestCommitChanges_ExpectedHeadMatches(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	first := commit(t, repo, "", models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "a: 1"})

	second := commit(t, repo, first.CommitID, models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeModify, FileContent: "a: 2"})
	assert.Equal(t, first.CommitID, second.PreviousHead)
	assert.NotEqual(t, first.CommitID, second.CommitID)
}

func TestCommitChanges_NoChanges(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	first := commit(t, repo, "", models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "a: 1"})

	again := commit(t, repo, "", models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeModify, FileContent: "a: 1"})
	assert.True(t, again.NoChanges)
	assert.Equal(t, first.CommitID, again.CommitID)
}

func TestApplyChanges_DeleteRenameAndMissingFiles(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	commit(t, repo, "",
		models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "a: 1"},
		models.FileChange{FilePath: "old/b.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "b: 1"},
	)

	commit(t, repo, "",
		models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeDelete},
		models.FileChange{FilePath: "never-existed.yaml", ChangeType: models.ChangeTypeDelete},
		models.FileChange{FilePath: "new/b.yaml", OldFilePath: "old/b.yaml", ChangeType: models.ChangeTypeRename, FileContent: "b: 2"},
	)

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Filesystem.Stat("a.yaml")
	assert.Error(t, err)
	_, err = wt.Filesystem.Stat("old/b.yaml")
	assert.Error(t, err)
	assert.Equal(t, "b: 2", readFile(t, repo, "new/b.yaml"))
}

func TestApplyChanges_UnknownType(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	err = ApplyChanges(wt, []models.FileChange{{FilePath: "a.yaml", ChangeType: "COPY"}})
	assert.Error(t, err)
}

func TestDiffCommits(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	first := commit(t, repo, "",
		models.FileChange{FilePath: "keep.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "k: 1"},
		models.FileChange{FilePath: "drop.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "d: 1"},
	)
	second := commit(t, repo, "",
		models.FileChange{FilePath: "keep.yaml", ChangeType: models.ChangeTypeModify, FileContent: "k: 2"},
		models.FileChange{FilePath: "drop.yaml", ChangeType: models.ChangeTypeDelete},
		models.FileChange{FilePath: "dir/added.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "n: 1"},
	)

	diff, err := diffCommits(context.Background(), repo, first.CommitID, "")
	require.NoError(t, err)
	assert.Equal(t, second.CommitID, diff.ToCommit)

	byPath := map[string]models.FileChange{}
	for _, change := range diff.Changes {
		byPath[change.FilePath] = change
	}
	require.Len(t, byPath, 3)
	assert.Equal(t, models.ChangeTypeModify, byPath["keep.yaml"].ChangeType)
	assert.Equal(t, "k: 2", byPath["keep.yaml"].FileContent)
	assert.Equal(t, models.ChangeTypeDelete, byPath["drop.yaml"].ChangeType)
	assert.Equal(t, models.ChangeTypeAdd, byPath["dir/added.yaml"].ChangeType)
	assert.Equal(t, "n: 1", byPath["dir/added.yaml"].FileContent)
}

func TestDiffCommits_FromEmptyTree(t *testing.T) {
	repo, err := initRepository("main")
	require.NoError(t, err)
	first := commit(t, repo, "", models.FileChange{FilePath: "a.yaml", ChangeType: models.ChangeTypeAdd, FileContent: "a: 1"})

	diff, err := diffCommits(context.Background(), repo, "", first.CommitID)
	require.NoError(t, err)
	require.Len(t, diff.Changes, 1)
	assert.Equal(t, models.ChangeTypeAdd, diff.Changes[0].ChangeType)
	assert.Equal(t, "a.yaml", diff.Changes[0].FilePath)
}

func TestAuth(t *testing.T) {
	assert.Nil(t, auth(service.GitRemote{URL: "https://example.com/r.git"}))

	method := auth(service.GitRemote{AccessToken: "tok"})
	basic, ok := method.(*githttp.BasicAuth)
	require.True(t, ok)
	assert.Equal(t, "x-access-token", basic.Username)
	assert.Equal(t, "tok", basic.Password)
}

func TestRefreshAccessToken_NotConfigured(t *testing.T) {
	_, err := NewClient("id", "secret", "").RefreshAccessToken(context.Background(), "refresh")
	assert.Error(t, err)
}
