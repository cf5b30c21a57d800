package incentives

const (
	insertDistribution = `
    INSERT INTO incentives (
      protocol, period_start, period_ts, epoch, transaction_hash, log_index,
      block, timestamp, date_str,
      total_amount_raw, votium_amount_raw, votemarket_amount_raw,
      total_amount, votium_amount, votemarket_amount,
      total_bias, votium_bias, votemarket_bias, price,
      votium_votes_per_usd, votemarket_votes_per_usd, gauge_data
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`

	insertPeriod = `
    INSERT INTO incentive_periods (protocol, period_start, start_block, end_block, transfers)
    VALUES ($1, $2, $3, $4, $5)`

	lastPeriod = `
    SELECT MAX(period_start) FROM incentive_periods WHERE protocol = $1`
)
