package v1

const (
	streams = `
		SELECT stream_id, analyzer, watermark, next_block, head_block,
		       GREATEST(head_block - next_block + 1, 0), updated_at
		FROM stream_watermarks
		ORDER BY analyzer, stream_id`

	proposals = `
		SELECT proposal_id, voter_address, status, description, proposer,
		       start_time, end_time, yes_votes, no_votes, quorum,
		       txn_hash, execution_time, ending_soon_alert_sent
		FROM resupply_proposals
		WHERE ($1::text IS NULL OR status = $1::text)
		ORDER BY start_time DESC, proposal_id DESC
		LIMIT $2::bigint
		OFFSET $3::bigint`
)
