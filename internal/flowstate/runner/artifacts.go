package runner

import "context"

// remoteArtifacts adapts Client's HTTP artifact endpoints to
// pipeline.ArtifactStore, since the runner process has no direct database
// access to the dispatcher's artifact store.
type remoteArtifacts struct {
	client *Client
}

func (r *remoteArtifacts) Put(ctx context.Context, key string, data []byte) error {
	return r.client.PutArtifact(ctx, key, data)
}

func (r *remoteArtifacts) Get(ctx context.Context, key string) ([]byte, error) {
	data, found, err := r.client.GetArtifact(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNotFound(key)
	}
	return data, nil
}

func (r *remoteArtifacts) Exists(ctx context.Context, key string) (bool, error) {
	_, found, err := r.client.GetArtifact(ctx, key)
	return found, err
}

type artifactNotFoundError string

func (e artifactNotFoundError) Error() string { return "runner: artifact not found: " + string(e) }

func errNotFound(key string) error { return artifactNotFoundError(key) }
