package sqlinline

const QProviderKeySchema = `--sql 3f9c2b7e-8d4a-4e1f-a6b5-c0d7e2f4a913
create table if not exists bridge_provider_keys (
    provider    text primary key,
    token       text not null,
    properties  jsonb not null default '{}'::jsonb,
    created_at  timestamptz not null default now(),
    updated_at  timestamptz not null default now()
);
`

const QSelectProviderKey = `--sql b27e4c91-0d3a-4f68-9e15-7a2c8d4f6b03
select token
from bridge_provider_keys
where provider = $1::text
limit 1;
`

const QUpsertProviderKey = `--sql d5a81f3c-6e9b-42d7-8c04-1b3f9e7a2c58
insert into bridge_provider_keys (provider, token, properties, created_at, updated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = excluded.properties,
    updated_at = now();
`
