package handler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scenely/media-jobs/internal/api/dto"
	"github.com/scenely/media-jobs/internal/api/storage"
)

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &storage.JobCursor{
		CreatedAt: time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC),
		JobID:     "0f4b1c2e-3a5d-4e6f-8a9b-0c1d2e3f4a5b",
	}

	token, err := EncodeJobCursor(in)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	out, err := DecodeJobCursor(token)
	require.NoError(t, err)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))
	assert.Equal(t, in.JobID, out.JobID)
}

func TestDecodeJobCursor_Empty(t *testing.T) {
	cursor, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecodeJobCursor_Invalid(t *testing.T) {
	for _, token := range []string{"%%%not-base64%%%", "bm90IGpzb24"} {
		_, err := DecodeJobCursor(token)
		assert.Error(t, err, "token %q", token)
	}
}

func TestJobHandler_ResolveMediaRef(t *testing.T) {
	h := &JobHandler{uploadBaseURL: "http://localhost:9000/media/"}

	tests := []struct {
		name    string
		req     dto.CreateJobRequest
		want    string
		wantErr string
	}{
		{
			name: "upload source",
			req:  dto.CreateJobRequest{SourceType: "upload", UploadID: "abc123"},
			want: "http://localhost:9000/media/uploads/abc123",
		},
		{
			name:    "upload source without upload_id",
			req:     dto.CreateJobRequest{SourceType: "upload"},
			wantErr: "upload_id is required",
		},
		{
			name: "youtube source",
			req:  dto.CreateJobRequest{SourceType: "youtube", YoutubeURL: "https://youtu.be/xyz"},
			want: "https://youtu.be/xyz",
		},
		{
			name:    "youtube source without url",
			req:     dto.CreateJobRequest{SourceType: "youtube"},
			wantErr: "youtube_url is required",
		},
		{
			name:    "unknown source type",
			req:     dto.CreateJobRequest{SourceType: "ftp"},
			wantErr: "source_type must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := h.resolveMediaRef(&tt.req)

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, ref)
			}
		})
	}
}
