package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/agentdesk/agentdesk/internal/common/errors"
	"github.com/agentdesk/agentdesk/internal/common/logger"
	"github.com/agentdesk/agentdesk/internal/events"
	"github.com/agentdesk/agentdesk/internal/events/bus"
	"github.com/agentdesk/agentdesk/internal/plugins"
	v1 "github.com/agentdesk/agentdesk/pkg/api/v1"
)

// PluginInstaller schedules plugin install/upgrade as permissioned
// background operations: the caller gets an operation id immediately, the
// install itself waits on the permission hub.
type PluginInstaller struct {
	hub           *PermissionHub
	pluginManager *plugins.Manager
	publisher     *bus.Publisher

	installing map[string]bool
	mu         sync.Mutex

	logger *logger.Logger
}

// NewPluginInstaller creates a PluginInstaller.
func NewPluginInstaller(hub *PermissionHub, pluginManager *plugins.Manager, publisher *bus.Publisher, log *logger.Logger) *PluginInstaller {
	return &PluginInstaller{
		hub:           hub,
		pluginManager: pluginManager,
		publisher:     publisher,
		installing:    make(map[string]bool),
		logger:        log.WithFields(zap.String("component", "plugin-installer")),
	}
}

// StartInstall validates the request, rejects a concurrent install of the
// same plugin, and returns immediately with the operation id. The install
// proceeds in the background once permission is granted.
//
// The permission request is emitted even though the user typically clicked
// "Install" themselves; pre-confirmation is the caller's affordance, not
// the installer's.
func (i *PluginInstaller) StartInstall(ctx context.Context, pluginID string, version string, workspaceID string) (v1.OperationStarted, error) {
	if err := plugins.ValidatePluginID(pluginID); err != nil {
		return v1.OperationStarted{}, err
	}

	i.mu.Lock()
	if i.installing[pluginID] {
		i.mu.Unlock()
		return v1.OperationStarted{}, apperrors.Conflict(
			fmt.Sprintf("plugin '%s' is already being installed", pluginID))
	}
	i.installing[pluginID] = true
	i.mu.Unlock()

	operationID := uuid.New().String()
	i.logger.Info("Starting plugin install",
		zap.String("plugin_id", pluginID),
		zap.String("version", version),
		zap.String("operation_id", operationID))

	go i.runInstall(ctx, operationID, pluginID, version, workspaceID)

	return v1.OperationStarted{OperationID: operationID}, nil
}

// runInstall is the background flow: permission, install, status event.
func (i *PluginInstaller) runInstall(ctx context.Context, operationID, pluginID, version, workspaceID string) {
	defer func() {
		i.mu.Lock()
		delete(i.installing, pluginID)
		i.mu.Unlock()
	}()

	summary := fmt.Sprintf("install plugin %s", pluginID)
	if version != "" {
		summary = fmt.Sprintf("install plugin %s@%s", pluginID, version)
	}

	origin := v1.PermissionOrigin{WorkspaceID: workspaceID}
	_, decision, err := i.hub.RequestWithOperationID(ctx, operationID, v1.SourceInstallPlugin, origin, summary, nil)
	if err != nil {
		i.logger.Error("Permission request failed",
			zap.String("plugin_id", pluginID),
			zap.String("operation_id", operationID),
			zap.Error(err))
		return
	}

	if decision != v1.DecisionAllowOnce {
		// Denied or cancelled: no install, no status event — the decider
		// already knows the outcome from its own response.
		i.logger.Info("Plugin install not permitted",
			zap.String("plugin_id", pluginID),
			zap.String("decision", string(decision)))
		return
	}

	installErr := i.pluginManager.Install(pluginID, version)

	status, statusErr := i.pluginManager.GetStatus(pluginID, false)
	if statusErr != nil {
		status = v1.PluginStatus{PluginID: pluginID}
	}

	data := map[string]any{
		"operationId": operationID,
		"status":      status,
	}
	if installErr != nil {
		data["error"] = installErr.Error()
		i.logger.Error("Plugin installation failed",
			zap.String("plugin_id", pluginID),
			zap.Error(installErr))
	}

	i.publisher.Emit(events.PluginStatusChanged, events.Scope{
		WorkspaceID: workspaceID,
		OperationID: operationID,
	}, data)
}
