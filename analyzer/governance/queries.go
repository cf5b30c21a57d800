package governance

const (
	// Highest block of any record of a voter contract's stream.
	cursorQuery = `
    SELECT MAX(block) FROM (
      SELECT MAX(block) AS block FROM resupply_proposals WHERE voter_address = $1
      UNION ALL
      SELECT MAX(block) FROM resupply_votes WHERE voter_address = $1
      UNION ALL
      SELECT MAX(block) FROM governance_events WHERE voter_address = $1
    ) AS blocks`

	insertProposal = `
    INSERT INTO resupply_proposals (
      proposal_id, voter_address, status, description, proposer, epoch,
      start_time, end_time, quorum, block, txn_hash, timestamp, date_str, last_updated
    )
    VALUES ($1, $2, 'open', $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $9)`

	insertVote = `
    INSERT INTO resupply_votes (
      proposal_id, voter_address, account, support, weight, weight_yes, weight_no,
      block, txn_hash, log_index, timestamp, date_str
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	// Vote totals accumulate in NUMERIC; never through floats.
	addVoteTotals = `
    UPDATE resupply_proposals
    SET yes_votes = yes_votes + $3,
        no_votes = no_votes + $4,
        last_updated = $5
    WHERE proposal_id = $1 AND voter_address = $2`

	insertGovernanceEvent = `
    INSERT INTO governance_events (voter_address, proposal_id, kind, block, txn_hash, log_index, timestamp)
    VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// An executed proposal is final; a late cancellation does not undo it.
	markCancelled = `
    UPDATE resupply_proposals
    SET status = 'cancelled',
        block = $3, txn_hash = $4, timestamp = $5, date_str = $6, last_updated = $3
    WHERE proposal_id = $1 AND voter_address = $2 AND status <> 'executed'`

	markExecuted = `
    UPDATE resupply_proposals
    SET status = 'executed',
        execution_time = $5,
        block = $3, txn_hash = $4, timestamp = $5, date_str = $6, last_updated = $3
    WHERE proposal_id = $1 AND voter_address = $2`

	updateDescription = `
    UPDATE resupply_proposals
    SET description = $7,
        block = $3, txn_hash = $4, timestamp = $5, date_str = $6, last_updated = $3
    WHERE proposal_id = $1 AND voter_address = $2`

	selectActiveProposals = `
    SELECT proposal_id, voter_address, status, description, end_time,
           yes_votes, no_votes, quorum, txn_hash, ending_soon_alert_sent
    FROM resupply_proposals
    WHERE status = ANY($1)
    ORDER BY end_time, proposal_id`

	// Compare-and-set: only the pass that observes the old status moves it.
	updateStatus = `
    UPDATE resupply_proposals
    SET status = $4, last_updated = $5
    WHERE proposal_id = $1 AND voter_address = $2 AND status = $3`

	markEndingSoonSent = `
    UPDATE resupply_proposals
    SET ending_soon_alert_sent = TRUE
    WHERE proposal_id = $1 AND voter_address = $2 AND NOT ending_soon_alert_sent`
)
