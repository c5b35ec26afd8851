package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vipul43/gitsync-worker/internal/clock"
	"github.com/vipul43/gitsync-worker/internal/models"
)

const (
	// PushIfNotHeadMaxRetry is the push retry count after which a change set is pushed without the head check
	PushIfNotHeadMaxRetry = 3
	// TokenRefreshWindow refreshes access tokens this long before they expire
	TokenRefreshWindow = 5 * time.Minute
	// DefaultGitOperationTimeout bounds one Apply call
	DefaultGitOperationTimeout = 10 * time.Minute
)

// ErrHeadMoved is returned when a push requires an expected remote head that is no longer current
var ErrHeadMoved = errors.New("remote head moved")

// GitSyncExecutor performs the Git operation for a batch of change sets of one account.
// A nil error means the batch completed.
type GitSyncExecutor interface {
	Apply(ctx context.Context, accountID string, changeSets []models.ChangeSet) error
}

// GitClient interface for Git remote operations
type GitClient interface {
	CommitAndPush(ctx context.Context, remote GitRemote, req CommitRequest) (*CommitResult, error)
	Diff(ctx context.Context, remote GitRemote, fromCommit, toCommit string) (*DiffResult, error)
	RefreshAccessToken(ctx context.Context, refreshToken string) (*TokenRefreshResult, error)
}

type GitRemote struct {
	URL         string
	Branch      string
	Username    string
	AccessToken string
}

type CommitRequest struct {
	Changes     []models.FileChange
	Message     string
	AuthorName  string
	AuthorEmail string
	ForcePush   bool
	// ExpectedHead, when set, makes the push fail with ErrHeadMoved unless the remote branch is at this commit
	ExpectedHead string
}

type CommitResult struct {
	CommitID     string
	PreviousHead string
	NoChanges    bool
}

type DiffResult struct {
	FromCommit string
	ToCommit   string
	Changes    []models.FileChange
}

type TokenRefreshResult struct {
	AccessToken  string
	ExpiresAt    time.Time
	RefreshToken string // May be same or new
}

type ConnectorStore interface {
	GetForAccount(ctx context.Context, accountID, connectorID string) (*models.GitConnector, error)
	UpdateTokens(ctx context.Context, connectorID string, accessToken string, refreshToken string, accessTokenExpiresAt time.Time) error
}

type CommitStore interface {
	Create(ctx context.Context, commit *models.GitCommit) error
	IsCommitProcessed(ctx context.Context, accountID, commitID string) (bool, error)
	LastProcessed(ctx context.Context, accountID, connectorID, branch string) (*models.GitCommit, error)
}

type FileActivityStore interface {
	BulkCreate(ctx context.Context, activities []models.GitFileActivity) error
}

type SyncErrorStore interface {
	BulkCreate(ctx context.Context, syncErrors []models.GitSyncError) error
	ResolveForFiles(ctx context.Context, accountID string, filePaths []string, gitToHarness bool) (int64, error)
}

type ConfigFileStore interface {
	Upsert(ctx context.Context, file models.ConfigFile) error
	Delete(ctx context.Context, accountID, filePath string) error
}

type GitProcessorOptions struct {
	Timeout     time.Duration
	AuthorName  string
	AuthorEmail string
	Clock       clock.Clock
}

// GitProcessor is the GitSyncExecutor backed by a GitClient and the sync record stores
type GitProcessor struct {
	connectorRepo  ConnectorStore
	commitRepo     CommitStore
	activityRepo   FileActivityStore
	syncErrorRepo  SyncErrorStore
	configFileRepo ConfigFileStore
	gitClient      GitClient
	opts           GitProcessorOptions
}

func NewGitProcessor(
	connectorRepo ConnectorStore,
	commitRepo CommitStore,
	activityRepo FileActivityStore,
	syncErrorRepo SyncErrorStore,
	configFileRepo ConfigFileStore,
	gitClient GitClient,
	opts GitProcessorOptions,
) *GitProcessor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultGitOperationTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &GitProcessor{
		connectorRepo:  connectorRepo,
		commitRepo:     commitRepo,
		activityRepo:   activityRepo,
		syncErrorRepo:  syncErrorRepo,
		configFileRepo: configFileRepo,
		gitClient:      gitClient,
		opts:           opts,
	}
}

// Apply runs one Git operation for changeSets, which must share direction and provenance
func (p *GitProcessor) Apply(ctx context.Context, accountID string, changeSets []models.ChangeSet) error {
	if len(changeSets) == 0 {
		return nil
	}
	first := changeSets[0]
	branch, connectorID := first.Provenance()
	for _, cs := range changeSets[1:] {
		b, c := cs.Provenance()
		if cs.GitToHarness != first.GitToHarness || b != branch || c != connectorID {
			return fmt.Errorf("change set %s cannot be applied together with %s", cs.ID, first.ID)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	connector, err := p.connectorRepo.GetForAccount(ctx, accountID, connectorID)
	if err != nil {
		return fmt.Errorf("failed to get git connector: %w", err)
	}

	accessToken, err := p.accessToken(ctx, connector)
	if err != nil {
		return err
	}

	remote := GitRemote{
		URL:         connector.URL,
		Branch:      connector.BranchName,
		Username:    connector.Username,
		AccessToken: accessToken,
	}
	if branch != "" {
		remote.Branch = branch
	}

	if first.GitToHarness {
		return p.applyGitToHarness(ctx, accountID, connector, remote, changeSets)
	}
	return p.applyHarnessToGit(ctx, accountID, connector, remote, changeSets)
}

// applyHarnessToGit commits the batch's file changes and pushes them to the connector branch
func (p *GitProcessor) applyHarnessToGit(ctx context.Context, accountID string, connector *models.GitConnector, remote GitRemote, changeSets []models.ChangeSet) error {
	first := changeSets[0]
	changes := MergeFileChanges(changeSets)
	ids := models.ChangeSetIDs(changeSets)

	var invalid []models.GitSyncError
	for _, change := range changes {
		if err := ValidateFileChange(change); err != nil {
			invalid = append(invalid, p.syncError(accountID, first.AppID, change, err, false, nil))
		}
	}
	if len(invalid) > 0 {
		if err := p.syncErrorRepo.BulkCreate(ctx, invalid); err != nil {
			return fmt.Errorf("failed to record sync errors: %w", err)
		}
		return fmt.Errorf("%d of %d file changes are invalid: %s", len(invalid), len(changes), invalid[0].ErrorMessage)
	}

	last, err := p.commitRepo.LastProcessed(ctx, accountID, connector.ID, remote.Branch)
	if err != nil {
		return err
	}

	forcePush := false
	for _, cs := range changeSets {
		forcePush = forcePush || cs.ForcePush
	}

	req := CommitRequest{
		Changes:     changes,
		Message:     commitMessage(changeSets),
		AuthorName:  p.opts.AuthorName,
		AuthorEmail: p.opts.AuthorEmail,
		ForcePush:   forcePush,
	}
	if shouldPushOnlyIfHeadSeen(first, last) {
		req.ExpectedHead = last.CommitID
	}

	result, err := p.gitClient.CommitAndPush(ctx, remote, req)
	if err != nil {
		activities := p.fileActivities(accountID, first.AppID, "", changes, models.FileActivityStatusFailed, err)
		if recErr := p.activityRepo.BulkCreate(ctx, activities); recErr != nil {
			slog.Error("failed to record file activities", "account_id", accountID, "error", recErr)
		}
		return fmt.Errorf("failed to push change sets: %w", err)
	}

	if result.NoChanges {
		slog.Info("nothing to commit", "account_id", accountID, "change_set_ids", ids, "head", result.CommitID)
		return nil
	}

	if err := p.commitRepo.Create(ctx, &models.GitCommit{
		AccountID:      accountID,
		GitConnectorID: connector.ID,
		BranchName:     remote.Branch,
		CommitID:       result.CommitID,
		CommitMessage:  req.Message,
		Status:         models.GitCommitStatusCompleted,
		GitToHarness:   false,
		ChangeSetIDs:   ids,
	}); err != nil {
		return err
	}

	activities := p.fileActivities(accountID, first.AppID, result.CommitID, changes, models.FileActivityStatusSuccess, nil)
	if err := p.activityRepo.BulkCreate(ctx, activities); err != nil {
		return err
	}
	if _, err := p.syncErrorRepo.ResolveForFiles(ctx, accountID, changedPaths(changes), false); err != nil {
		return err
	}

	slog.Info("pushed change sets",
		"account_id", accountID,
		"change_set_ids", ids,
		"commit_id", result.CommitID,
		"files", len(changes),
	)
	return nil
}

// applyGitToHarness ingests the YAML files changed between the last processed commit and the pushed head
func (p *GitProcessor) applyGitToHarness(ctx context.Context, accountID string, connector *models.GitConnector, remote GitRemote, changeSets []models.ChangeSet) error {
	target := changeSets[len(changeSets)-1]
	ids := models.ChangeSetIDs(changeSets)

	head := ""
	if target.HeadCommitID != nil {
		head = *target.HeadCommitID
	}
	if head != "" {
		processed, err := p.commitRepo.IsCommitProcessed(ctx, accountID, head)
		if err != nil {
			return err
		}
		if processed {
			slog.Info("head commit already processed", "account_id", accountID, "change_set_ids", ids, "commit_id", head)
			return nil
		}
	}

	from := ""
	last, err := p.commitRepo.LastProcessed(ctx, accountID, connector.ID, remote.Branch)
	if err != nil {
		return err
	}
	if last != nil && !target.FullSync {
		from = last.CommitID
	}

	diff, err := p.gitClient.Diff(ctx, remote, from, head)
	if err != nil {
		return fmt.Errorf("failed to diff %s..%s: %w", from, head, err)
	}
	if diff.ToCommit == from {
		return nil
	}

	var (
		activities []models.GitFileActivity
		syncErrors []models.GitSyncError
		ingested   []string
	)
	for _, change := range diff.Changes {
		status, ingestErr := p.ingest(ctx, accountID, diff.ToCommit, change)
		if ingestErr != nil && status != models.FileActivityStatusFailed {
			return ingestErr
		}
		activity := models.GitFileActivity{
			AccountID:  accountID,
			AppID:      target.AppID,
			CommitID:   diff.ToCommit,
			FilePath:   change.FilePath,
			ChangeType: change.ChangeType,
			Status:     status,
		}
		switch status {
		case models.FileActivityStatusFailed:
			msg := ingestErr.Error()
			activity.ErrorMessage = &msg
			commitID := diff.ToCommit
			syncErrors = append(syncErrors, p.syncError(accountID, target.AppID, change, ingestErr, true, &commitID))
		case models.FileActivityStatusSuccess:
			ingested = append(ingested, change.FilePath)
		}
		activities = append(activities, activity)
	}

	if err := p.syncErrorRepo.BulkCreate(ctx, syncErrors); err != nil {
		return err
	}
	if err := p.activityRepo.BulkCreate(ctx, activities); err != nil {
		return err
	}
	if _, err := p.syncErrorRepo.ResolveForFiles(ctx, accountID, ingested, true); err != nil {
		return err
	}
	if err := p.commitRepo.Create(ctx, &models.GitCommit{
		AccountID:      accountID,
		GitConnectorID: connector.ID,
		BranchName:     remote.Branch,
		CommitID:       diff.ToCommit,
		Status:         models.GitCommitStatusCompleted,
		GitToHarness:   true,
		ChangeSetIDs:   ids,
	}); err != nil {
		return err
	}

	slog.Info("ingested git changes",
		"account_id", accountID,
		"change_set_ids", ids,
		"commit_id", diff.ToCommit,
		"files", len(diff.Changes),
		"failed", len(syncErrors),
	)
	return nil
}

// ingest applies one changed file to the config file store.
// A FAILED status comes with the per-file error; any other error aborts the batch.
func (p *GitProcessor) ingest(ctx context.Context, accountID, commitID string, change models.FileChange) (models.FileActivityStatus, error) {
	if !IsYAMLFile(change.FilePath) && !(change.ChangeType == models.ChangeTypeRename && IsYAMLFile(change.OldFilePath)) {
		return models.FileActivityStatusSkipped, nil
	}
	if _, err := NormalizeFilePath(change.FilePath); err != nil {
		return models.FileActivityStatusFailed, err
	}

	switch change.ChangeType {
	case models.ChangeTypeDelete:
		return models.FileActivityStatusSuccess, p.configFileRepo.Delete(ctx, accountID, change.FilePath)
	case models.ChangeTypeRename:
		if err := p.configFileRepo.Delete(ctx, accountID, change.OldFilePath); err != nil {
			return models.FileActivityStatusSuccess, err
		}
		if !IsYAMLFile(change.FilePath) {
			return models.FileActivityStatusSuccess, nil
		}
	}

	if err := ValidateYAML(change.FileContent); err != nil {
		return models.FileActivityStatusFailed, err
	}
	err := p.configFileRepo.Upsert(ctx, models.ConfigFile{
		AccountID: accountID,
		FilePath:  change.FilePath,
		Content:   change.FileContent,
		CommitID:  commitID,
	})
	return models.FileActivityStatusSuccess, err
}

// accessToken returns a usable token for connector, refreshing it when it is about to expire.
// Connectors without a refresh token use their access token as is (empty means anonymous).
func (p *GitProcessor) accessToken(ctx context.Context, connector *models.GitConnector) (string, error) {
	token := ""
	if connector.AccessToken != nil {
		token = *connector.AccessToken
	}
	if connector.RefreshToken == nil || *connector.RefreshToken == "" {
		return token, nil
	}
	if token != "" && !p.isTokenExpired(connector.AccessTokenExpiresAt) {
		return token, nil
	}

	slog.Info("access token expired, refreshing", "account_id", connector.AccountID, "connector_id", connector.ID)
	result, err := p.gitClient.RefreshAccessToken(ctx, *connector.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to refresh token: %w", err)
	}

	refreshToken := result.RefreshToken
	if refreshToken == "" {
		refreshToken = *connector.RefreshToken
	}
	if err := p.connectorRepo.UpdateTokens(ctx, connector.ID, result.AccessToken, refreshToken, result.ExpiresAt); err != nil {
		return "", fmt.Errorf("failed to update tokens in database: %w", err)
	}
	return result.AccessToken, nil
}

// isTokenExpired checks if access token is expired or will expire within the refresh window
func (p *GitProcessor) isTokenExpired(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return true
	}
	return p.opts.Clock.Now().Add(TokenRefreshWindow).After(*expiresAt)
}

func (p *GitProcessor) fileActivities(accountID string, appID *string, commitID string, changes []models.FileChange, status models.FileActivityStatus, cause error) []models.GitFileActivity {
	var msg *string
	if cause != nil {
		s := cause.Error()
		msg = &s
	}
	activities := make([]models.GitFileActivity, 0, len(changes))
	for _, change := range changes {
		activities = append(activities, models.GitFileActivity{
			AccountID:    accountID,
			AppID:        appID,
			CommitID:     commitID,
			FilePath:     change.FilePath,
			ChangeType:   change.ChangeType,
			Status:       status,
			ErrorMessage: msg,
		})
	}
	return activities
}

func (p *GitProcessor) syncError(accountID string, appID *string, change models.FileChange, cause error, gitToHarness bool, commitID *string) models.GitSyncError {
	return models.GitSyncError{
		AccountID:    accountID,
		AppID:        appID,
		FilePath:     change.FilePath,
		ChangeType:   change.ChangeType,
		ErrorMessage: cause.Error(),
		GitToHarness: gitToHarness,
		CommitID:     commitID,
	}
}

// shouldPushOnlyIfHeadSeen reports whether the push must be conditional on the last processed commit
// still being the remote head. Full syncs and change sets that exhausted their retries push unconditionally.
func shouldPushOnlyIfHeadSeen(first models.ChangeSet, last *models.GitCommit) bool {
	return first.PushRetryCount < PushIfNotHeadMaxRetry &&
		!first.FullSync &&
		last != nil && last.CommitID != ""
}

// ShouldRetryPush reports whether a failed harness-to-git batch gets a retry change set.
// Only head mismatches are retried; once retries are exhausted the push skips the head check.
func ShouldRetryPush(changeSets []models.ChangeSet, applyErr error) bool {
	return len(changeSets) > 0 && !changeSets[0].GitToHarness && errors.Is(applyErr, ErrHeadMoved)
}

// RetryChangeSet returns a QUEUED copy of a failed change set that points back at it.
// The copy keeps the original queue position.
func RetryChangeSet(original models.ChangeSet) models.ChangeSet {
	parentID := original.ID
	retry := original
	retry.ID = ""
	retry.Status = models.ChangeSetStatusQueued
	retry.StatusReason = nil
	retry.ParentChangeSetID = &parentID
	retry.PushRetryCount = original.PushRetryCount + 1
	retry.CreatedAt = time.Time{}
	retry.UpdatedAt = time.Time{}
	return retry
}

func commitMessage(changeSets []models.ChangeSet) string {
	if len(changeSets) == 1 {
		return fmt.Sprintf("Sync change set %s", changeSets[0].ID)
	}
	return fmt.Sprintf("Sync %d change sets\n\n%s", len(changeSets), strings.Join(models.ChangeSetIDs(changeSets), "\n"))
}

func changedPaths(changes []models.FileChange) []string {
	paths := make([]string, 0, len(changes))
	for _, change := range changes {
		paths = append(paths, change.FilePath)
	}
	return paths
}
