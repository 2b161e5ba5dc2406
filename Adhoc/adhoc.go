package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"YoloDataAug/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	PartitionInstance = 0x3001
	AugmentInstance   = 0x3002
	TimeOutSeconds    = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

type RegServerConfig struct {
	Port int
	Addr string
}

func (reg *RegServerConfig) SetAddress(addr string, port int) {
	reg.Addr = addr
	reg.Port = port
}

var RegServerCfg RegServerConfig

// register posts one heartbeat. Failures are logged, never returned; the
// next tick retries.
func register(ctx context.Context, client *resty.Client, addr string, req RegisterRequest) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log().Error("heartbeat panic recovered", zap.Any("panic", r))
		}
	}()
	var respBody RegisterResponse
	resp, err := client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		SetResult(&respBody).
		Post(fmt.Sprintf("http://%s/api/register", addr))
	if err != nil {
		logger.Log().Error("heartbeat request failed", zap.String("addr", addr), zap.Error(err))
		return
	}
	if resp.IsError() {
		logger.Log().Error("registration server returned error", zap.String("status", resp.Status()), zap.String("body", resp.String()))
		return
	}
	logger.Log().Debug("heartbeat acknowledged", zap.String("id", respBody.Id), zap.Bool("success", respBody.Success))
}

// SendAliveMessage registers this instance with RegServerCfg every
// interval until ctx is cancelled. wg.Done is called on exit.
func SendAliveMessage(CCIP string, CCPort int, instanceClass int, interval time.Duration, ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	addr := fmt.Sprintf("%s:%d", RegServerCfg.Addr, RegServerCfg.Port)
	client := resty.New().SetTimeout(TimeOutSeconds * time.Second)
	id := uuid.NewString()
	beat := func() {
		register(ctx, client, addr, RegisterRequest{
			Id:            id,
			IP:            CCIP,
			Port:          CCPort,
			InstanceClass: instanceClass,
			TimeStamp:     time.Now().Unix(),
		})
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	beat()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat stopped", zap.String("id", id))
			return
		case <-ticker.C:
			beat()
		}
	}
}
