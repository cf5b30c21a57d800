package staking

const (
	stakeCursorQuery = `
    SELECT MAX(block) FROM stakes WHERE ybs = $1 AND is_stake = $2`

	rewardCursorQuery = `
    SELECT MAX(block) FROM rewards WHERE reward_distributor = $1 AND is_claim = $2`

	insertStake = `
    INSERT INTO stakes (
      ybs, token, account, is_stake, amount_raw, amount, week, new_weight,
      net_weight_change, block, txn_hash, log_index, timestamp, date_str
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	insertReward = `
    INSERT INTO rewards (
      ybs, token, reward_distributor, is_claim, account, amount_raw, amount,
      week, block, txn_hash, log_index, timestamp, date_str
    )
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
)
