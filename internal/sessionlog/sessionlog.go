// Package sessionlog is the structured logging facade layered on logqueue
// and eventbus. A SessionLogger carries a session id and a shared LogQueue;
// GetChild returns a PluginLogger that tags every payload with the owning
// plugin id while sharing the parent's queue. Sharing the queue is what
// preserves global emission order across session-level and plugin-level
// logs.
package sessionlog

import (
	"github.com/streamspace/gradeflow/internal/logqueue"
)

// SessionLogger emits structured log entries for one session.
type SessionLogger struct {
	sessionID string
	queue     *logqueue.LogQueue
	topic     string
}

// New creates a SessionLogger that enqueues onto queue under topic "log".
func New(sessionID string, queue *logqueue.LogQueue) *SessionLogger {
	return &SessionLogger{sessionID: sessionID, queue: queue, topic: "log"}
}

// Log enqueues a message at the given level.
func (l *SessionLogger) Log(level logqueue.Level, message string) {
	l.queue.Enqueue(l.topic, map[string]any{"message": message}, level)
}

// Info enqueues an info-level message.
func (l *SessionLogger) Info(message string) { l.Log(logqueue.LevelInfo, message) }

// Warning enqueues a warning-level message.
func (l *SessionLogger) Warning(message string) { l.Log(logqueue.LevelWarning, message) }

// Error enqueues an error-level message.
func (l *SessionLogger) Error(message string) { l.Log(logqueue.LevelError, message) }

// Debug enqueues a debug-level message.
func (l *SessionLogger) Debug(message string) { l.Log(logqueue.LevelDebug, message) }

// GetChild returns a PluginLogger tagging every entry with pluginID, sharing
// this logger's LogQueue so ordering is preserved across the two.
func (l *SessionLogger) GetChild(pluginID string) *PluginLogger {
	return &PluginLogger{SessionLogger: *l, pluginID: pluginID}
}

// PluginLogger is a SessionLogger that tags every payload with a plugin id.
type PluginLogger struct {
	SessionLogger
	pluginID string
}

// Log enqueues a message at the given level, tagged with the plugin id.
func (l *PluginLogger) Log(level logqueue.Level, message string) {
	l.queue.Enqueue(l.topic, map[string]any{"message": message, "plugin": l.pluginID}, level)
}

// Info enqueues an info-level message tagged with the plugin id.
func (l *PluginLogger) Info(message string) { l.Log(logqueue.LevelInfo, message) }

// Warning enqueues a warning-level message tagged with the plugin id.
func (l *PluginLogger) Warning(message string) { l.Log(logqueue.LevelWarning, message) }

// Error enqueues an error-level message tagged with the plugin id.
func (l *PluginLogger) Error(message string) { l.Log(logqueue.LevelError, message) }

// Debug enqueues a debug-level message tagged with the plugin id.
func (l *PluginLogger) Debug(message string) { l.Log(logqueue.LevelDebug, message) }
