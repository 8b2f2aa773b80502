package config

import "os"

// FallbackEnvironmentName names the environment returned by FallbackEnvironment.
const FallbackEnvironmentName = "sandbox"

// FallbackEnvironment supplies the partner sandbox deployment. It is consulted
// only when no environment is configured at all; it is never mutated and a
// fresh value is returned on every call.
//
// Credentials are not baked in. They come from LAYERPROBE_FALLBACK_CLIENT_ID,
// LAYERPROBE_FALLBACK_USER_NAME, LAYERPROBE_FALLBACK_PASSWORD,
// LAYERPROBE_FALLBACK_MIDDLEWARE_AUTH and LAYERPROBE_FALLBACK_ORCHESTRATION_KEY.
// Missing values stay empty and surface as authentication failures.
func FallbackEnvironment() EnvironmentConfig {
	return EnvironmentConfig{
		Name: FallbackEnvironmentName,
		Backend: BackendConfig{
			Endpoint: "https://us-ea1-partnertest.cloud9ortho.com/GetData.ashx",
			ClientID: os.Getenv("LAYERPROBE_FALLBACK_CLIENT_ID"),
			UserName: os.Getenv("LAYERPROBE_FALLBACK_USER_NAME"),
			Password: os.Getenv("LAYERPROBE_FALLBACK_PASSWORD"),
		},
		Middleware: MiddlewareConfig{
			BaseURL:    "https://c1elly.ai/webhook/chord/ortho-sandbox",
			AuthHeader: "Authorization",
			AuthValue:  os.Getenv("LAYERPROBE_FALLBACK_MIDDLEWARE_AUTH"),
		},
		Orchestration: OrchestrationConfig{
			Endpoint: "https://app.c1elly.ai/api/v1/prediction/5f1fa57c-e6fd-463c-ac6e-c73fd5fb578b",
			APIKey:   os.Getenv("LAYERPROBE_FALLBACK_ORCHESTRATION_KEY"),
		},
		Defaults: DefaultIdentifiers{
			LocationGUID:        "1fef9297-7c8b-426b-b0d1-f2275136e48b",
			ProviderGUID:        "79ec29fe-c315-4982-845a-0005baefb5a8",
			AppointmentTypeGUID: "f6c20c35-9abb-47c2-981a-342996016705",
			ScheduleViewGUID:    "4c9e9333-4951-4eb0-8d97-e1ad83ef422d",
			ScheduleColumnGUID:  "e1c2e3f4-1111-4a5b-9c8d-0e1f2a3b4c5d",
			PatientLastName:     "Test",
		},
	}
}
