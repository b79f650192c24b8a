package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"binspire-simulator/internal/models"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// multicastSender is the part of *messaging.Client the service uses
type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// FCMService sends urgent collection alerts through Firebase Cloud Messaging.
// One instance is built at startup and shared by every device loop.
type FCMService struct {
	client multicastSender
	log    *zap.SugaredLogger
}

// NewFCMService creates a new FCM service instance from a credentials file
func NewFCMService(ctx context.Context, credentialsFile string, log *zap.SugaredLogger) (*FCMService, error) {
	return newFCMService(ctx, option.WithCredentialsFile(credentialsFile), log)
}

// NewFCMServiceFromBase64 creates a new FCM service instance from base64-encoded credentials
// This is useful for deployments where the service account file cannot be mounted
func NewFCMServiceFromBase64(ctx context.Context, credentialsBase64 string, log *zap.SugaredLogger) (*FCMService, error) {
	credentialsJSON, err := base64.StdEncoding.DecodeString(credentialsBase64)
	if err != nil {
		return nil, fmt.Errorf("error decoding base64 credentials: %w", err)
	}
	return newFCMService(ctx, option.WithCredentialsJSON(credentialsJSON), log)
}

func newFCMService(ctx context.Context, opt option.ClientOption, log *zap.SugaredLogger) (*FCMService, error) {
	app, err := firebase.NewApp(ctx, nil, opt)
	if err != nil {
		return nil, fmt.Errorf("error initializing Firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("error getting messaging client: %w", err)
	}

	return &FCMService{client: client, log: log}, nil
}

// SendUrgentBinAlert multicasts the request to every token and reports per-token counts
func (s *FCMService) SendUrgentBinAlert(ctx context.Context, req models.NotificationRequest) (models.NotificationResult, error) {
	if len(req.Tokens) == 0 {
		return models.NotificationResult{}, errors.New("notification request has no tokens")
	}

	message := &messaging.MulticastMessage{
		Tokens: req.Tokens,
		Notification: &messaging.Notification{
			Title: req.Title,
			Body:  req.Body,
		},
		Webpush: &messaging.WebpushConfig{
			FCMOptions: &messaging.WebpushFCMOptions{
				Link: req.Link,
			},
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					ContentAvailable: true,
					Sound:            "default",
				},
			},
		},
	}

	response, err := s.client.SendEachForMulticast(ctx, message)
	if err != nil {
		return models.NotificationResult{}, fmt.Errorf("error sending multicast message: %w", err)
	}

	for i, r := range response.Responses {
		if r != nil && !r.Success && i < len(req.Tokens) {
			s.log.Debugw("FCM token rejected", "token_suffix", tokenSuffix(req.Tokens[i]), "error", r.Error)
		}
	}

	return models.NotificationResult{
		SuccessCount: response.SuccessCount,
		FailureCount: response.FailureCount,
	}, nil
}

func tokenSuffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
