package services

import "github.com/pkg/errors"

var (
	// ErrAgentAlreadyConnected 同一 agent ID 已有在线会话
	ErrAgentAlreadyConnected = errors.New("agent already connected")
	// ErrEndpointInUse 回调地址已被其他在线 agent 占用
	ErrEndpointInUse = errors.New("callback endpoint in use")
	// ErrSyncInProgress 该 agent 已持有同步锁
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNoSyncInProgress sync_complete 时没有对应的同步
	ErrNoSyncInProgress = errors.New("no sync in progress")
	// ErrManagerClosed OrderManager 已停止
	ErrManagerClosed = errors.New("order manager closed")
)
