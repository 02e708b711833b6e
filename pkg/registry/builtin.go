package registry

import "time"

// Builtin returns the default stack: the Milvus vector database in a
// container, the gunicorn-served API on 5000, and the Node frontend on
// 3000. A .stackctl.yaml replaces this wholesale.
func Builtin() []ServiceSpec {
	return []ServiceSpec{
		{
			Name: "milvus",
			Container: &ContainerSpec{
				Image: "milvusdb/milvus:v2.4.4",
				Name:  "stackctl-milvus",
				Ports: []string{"19530:19530", "9091:9091"},
				Env: map[string]string{
					"ETCD_USE_EMBED":     "true",
					"COMMON_STORAGETYPE": "local",
				},
			},
			Tools: []ToolRequirement{
				{Name: "docker", Package: "docker.io"},
			},
			Health: &HealthCheck{
				Kind:        CheckPortListening,
				Port:        19530,
				Interval:    2 * time.Second,
				Timeout:     1 * time.Second,
				MaxAttempts: 30,
			},
		},
		{
			Name:      "backend",
			Command:   []string{"gunicorn", "-c", "gunicorn_config.py", "app:app"},
			DependsOn: []string{"milvus"},
			Env: map[string]string{
				"MILVUS_HOST":   "localhost",
				"MILVUS_PORT":   "19530",
				"GUNICORN_BIND": "0.0.0.0:5000",
			},
			Tools: []ToolRequirement{
				{Name: "python3", Package: "python3"},
				{Name: "pip3", Package: "python3-pip"},
			},
			Fallback: &FallbackStart{
				Command: []string{"python3", "app.py"},
			},
			// The API exposes no health route, so a listening socket on
			// the gunicorn bind port is the readiness signal.
			Health: &HealthCheck{
				Kind:        CheckPortListening,
				Port:        5000,
				Interval:    2 * time.Second,
				Timeout:     2 * time.Second,
				MaxAttempts: 15,
			},
		},
		{
			Name:      "frontend",
			Command:   []string{"npm", "run", "dev"},
			Cwd:       "frontend",
			DependsOn: []string{"backend"},
			Optional:  true,
			Env: map[string]string{
				"PORT": "3000",
			},
			Tools: []ToolRequirement{
				{Name: "node", Package: "nodejs", MinVersion: "18.0.0"},
				{Name: "npm", Package: "npm"},
			},
			Fallback: &FallbackStart{
				Command: []string{"npm", "start"},
				Cwd:     "frontend",
			},
			Health: &HealthCheck{
				Kind:        CheckHTTPGet,
				URL:         "http://127.0.0.1:3000/",
				Interval:    2 * time.Second,
				Timeout:     2 * time.Second,
				MaxAttempts: 20,
			},
		},
	}
}
